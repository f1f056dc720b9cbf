package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const maxMessagesPerRoom = 500

type RedisMessageRepository struct {
	client *redis.Client
}

func NewRedisMessageRepository(client *redis.Client) ports.MessageRepository {
	return &RedisMessageRepository{client: client}
}

func (r *RedisMessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	key := roomMessagesKey(msg.RoomID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxMessagesPerRoom, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store message in Redis: %w", err)
	}
	return nil
}

// ListRecent returns up to limit messages, oldest first.
func (r *RedisMessageRepository) ListRecent(ctx context.Context, roomID domain.RoomID, limit int) ([]*domain.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	items, err := r.client.LRange(ctx, roomMessagesKey(roomID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]*domain.Message, 0, len(items))
	for _, item := range items {
		var msg domain.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}
