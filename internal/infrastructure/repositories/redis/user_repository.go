package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisUserRepository struct {
	client *redis.Client
}

func NewRedisUserRepository(client *redis.Client) ports.UserRepository {
	return &RedisUserRepository{client: client}
}

func (r *RedisUserRepository) Create(ctx context.Context, user *domain.User) error {
	exists, err := r.client.Exists(ctx, userKey(user.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check user in Redis: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("user already exists: %s", user.ID)
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, userKey(user.ID), data, 0)
	pipe.SAdd(ctx, allUsersKey(), string(user.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set user in Redis: %w", err)
	}
	return nil
}

func (r *RedisUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	data, err := r.client.Get(ctx, userKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user from Redis: %w", err)
	}

	var user domain.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}

func (r *RedisUserRepository) Update(ctx context.Context, user *domain.User) error {
	exists, err := r.client.Exists(ctx, userKey(user.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check user in Redis: %w", err)
	}
	if exists == 0 {
		return domain.ErrUserNotFound
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := r.client.Set(ctx, userKey(user.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update user in Redis: %w", err)
	}
	return nil
}

func (r *RedisUserRepository) ResetStaleStreaks(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.client.SMembers(ctx, allUsersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	reset := 0
	for _, id := range ids {
		user, err := r.GetByID(ctx, domain.UserID(id))
		if err == domain.ErrUserNotFound {
			continue
		}
		if err != nil {
			return reset, err
		}
		if user.CurrentStreak == 0 || user.LastStudyDate == nil || !user.LastStudyDate.Before(cutoff) {
			continue
		}
		user.CurrentStreak = 0
		if err := r.Update(ctx, user); err != nil {
			return reset, err
		}
		reset++
	}
	return reset, nil
}
