package memory

import (
	"context"
	"sync"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
)

// maxMessagesPerRoom bounds the in-memory history of each room.
const maxMessagesPerRoom = 500

type MemoryMessageRepository struct {
	messages map[domain.RoomID][]*domain.Message
	mu       sync.RWMutex
}

func NewMemoryMessageRepository() ports.MessageRepository {
	return &MemoryMessageRepository{
		messages: make(map[domain.RoomID][]*domain.Message),
	}
}

func (r *MemoryMessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *msg
	list := append(r.messages[msg.RoomID], &c)
	if len(list) > maxMessagesPerRoom {
		list = list[len(list)-maxMessagesPerRoom:]
	}
	r.messages[msg.RoomID] = list
	return nil
}

// ListRecent returns up to limit messages, oldest first.
func (r *MemoryMessageRepository) ListRecent(ctx context.Context, roomID domain.RoomID, limit int) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.messages[roomID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]*domain.Message, 0, len(list))
	for _, m := range list {
		c := *m
		out = append(out, &c)
	}
	return out, nil
}
