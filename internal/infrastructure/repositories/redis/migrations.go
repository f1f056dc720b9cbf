package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"studyroom/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey = keyPrefix + "schema:version"
	scanBatch        = 200
)

// keyMigration rewrites or backfills part of the key layout. Steps run in
// order and the stored version advances after each one, so a crash mid-way
// resumes at the failed step.
type keyMigration struct {
	version int
	name    string
	up      func(ctx context.Context, client *redis.Client) error
}

// Migrate brings the key layout to the newest version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	have, err := client.Get(ctx, schemaVersionKey).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	steps := getMigrations()
	for _, m := range steps {
		if m.version <= have {
			continue
		}
		if err := m.up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.version, 0).Err(); err != nil {
			return fmt.Errorf("record schema version %d: %w", m.version, err)
		}
		logger.Infow("redis key migration applied", "version", m.version, "name", m.name)
		have = m.version
	}

	logger.Debugw("redis key layout current", "version", have)
	return nil
}

func getMigrations() []keyMigration {
	return []keyMigration{
		{
			version: 1,
			name:    "index users for streak maintenance",
			up: func(ctx context.Context, client *redis.Client) error {
				return scanKeys(ctx, client, keyPrefix+"user:*", func(key string) error {
					id := strings.TrimPrefix(key, keyPrefix+"user:")
					if id == "all" || strings.Contains(id, ":") {
						return nil
					}
					return client.SAdd(ctx, allUsersKey(), id).Err()
				})
			},
		},
		{
			version: 2,
			name:    "rebuild room expiry index",
			up: func(ctx context.Context, client *redis.Client) error {
				ids, err := client.SMembers(ctx, activeRoomsKey()).Result()
				if err != nil {
					return err
				}
				for _, id := range ids {
					data, err := client.Get(ctx, roomKey(domain.RoomID(id))).Result()
					if err == redis.Nil {
						continue
					}
					if err != nil {
						return err
					}
					var rec roomRecord
					if err := json.Unmarshal([]byte(data), &rec); err != nil {
						return fmt.Errorf("room %s: %w", id, err)
					}
					if !rec.Active || rec.AutoCloseAt == nil {
						continue
					}
					if err := client.ZAdd(ctx, expiringRoomsKey(), redis.Z{
						Score:  float64(rec.AutoCloseAt.UnixMilli()),
						Member: id,
					}).Err(); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

func scanKeys(ctx context.Context, client *redis.Client, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
