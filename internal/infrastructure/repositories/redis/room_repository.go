package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// roomRecord is the stored form of a room. The password hash is hidden
// from the API encoding of domain.Room, so it is carried separately here.
type roomRecord struct {
	domain.Room
	PasswordHash string `json:"passwordHash,omitempty"`
}

type RedisRoomRepository struct {
	client *redis.Client
}

func NewRedisRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RedisRoomRepository{client: client}
}

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	exists, err := r.client.Exists(ctx, roomKey(room.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check room in Redis: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("room already exists: %s", room.ID)
	}
	return r.save(ctx, room)
}

func (r *RedisRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	data, err := r.client.Get(ctx, roomKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}

	var rec roomRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal room: %w", err)
	}

	room := rec.Room
	room.PasswordHash = rec.PasswordHash
	return &room, nil
}

func (r *RedisRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	exists, err := r.client.Exists(ctx, roomKey(room.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check room in Redis: %w", err)
	}
	if exists == 0 {
		return domain.ErrRoomNotFound
	}
	return r.save(ctx, room)
}

func (r *RedisRoomRepository) save(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(roomRecord{Room: *room, PasswordHash: room.PasswordHash})
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, 0)
	if room.Active {
		pipe.SAdd(ctx, activeRoomsKey(), string(room.ID))
	} else {
		pipe.SRem(ctx, activeRoomsKey(), string(room.ID))
	}
	if room.Active && room.AutoCloseAt != nil {
		pipe.ZAdd(ctx, expiringRoomsKey(), redis.Z{
			Score:  float64(room.AutoCloseAt.UnixMilli()),
			Member: string(room.ID),
		})
	} else {
		pipe.ZRem(ctx, expiringRoomsKey(), string(room.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save room in Redis: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) AddParticipant(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (bool, error) {
	exists, err := r.client.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check room in Redis: %w", err)
	}
	if exists == 0 {
		return false, domain.ErrRoomNotFound
	}

	added, err := r.client.SAdd(ctx, roomParticipantsKey(roomID), string(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to add participant: %w", err)
	}
	return added > 0, nil
}

func (r *RedisRoomRepository) RemoveParticipant(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	if err := r.client.SRem(ctx, roomParticipantsKey(roomID), string(userID)).Err(); err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}
	return nil
}

func (r *RedisRoomRepository) Participants(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error) {
	ids, err := r.client.SMembers(ctx, roomParticipantsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	members := make([]domain.UserID, 0, len(ids))
	for _, id := range ids {
		members = append(members, domain.UserID(id))
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (r *RedisRoomRepository) IsParticipant(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (bool, error) {
	ok, err := r.client.SIsMember(ctx, roomParticipantsKey(roomID), string(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return ok, nil
}

func (r *RedisRoomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	ids, err := r.client.SMembers(ctx, activeRoomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active rooms: %w", err)
	}
	return r.loadActive(ctx, ids)
}

func (r *RedisRoomRepository) ListExpiring(ctx context.Context, before time.Time) ([]*domain.Room, error) {
	ids, err := r.client.ZRangeByScore(ctx, expiringRoomsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get expiring rooms: %w", err)
	}
	return r.loadActive(ctx, ids)
}

// loadActive skips ids whose room vanished or was closed between the index
// read and the load.
func (r *RedisRoomRepository) loadActive(ctx context.Context, ids []string) ([]*domain.Room, error) {
	rooms := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := r.GetByID(ctx, domain.RoomID(id))
		if err == domain.ErrRoomNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if room.Active {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}
