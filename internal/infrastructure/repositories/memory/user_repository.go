package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
)

type MemoryUserRepository struct {
	users map[domain.UserID]*domain.User
	mu    sync.RWMutex
}

func NewMemoryUserRepository() ports.UserRepository {
	return &MemoryUserRepository{
		users: make(map[domain.UserID]*domain.User),
	}
}

func (r *MemoryUserRepository) Create(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.ID]; exists {
		return fmt.Errorf("user already exists: %s", user.ID)
	}

	r.users[user.ID] = cloneUser(user)
	return nil
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, exists := r.users[id]
	if !exists {
		return nil, domain.ErrUserNotFound
	}

	return cloneUser(user), nil
}

func (r *MemoryUserRepository) Update(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.ID]; !exists {
		return domain.ErrUserNotFound
	}

	r.users[user.ID] = cloneUser(user)
	return nil
}

func (r *MemoryUserRepository) ResetStaleStreaks(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reset := 0
	for _, user := range r.users {
		if user.CurrentStreak > 0 && user.LastStudyDate != nil && user.LastStudyDate.Before(cutoff) {
			user.CurrentStreak = 0
			reset++
		}
	}
	return reset, nil
}

func cloneUser(user *domain.User) *domain.User {
	c := *user
	c.SubscriptionExpiry = cloneTime(user.SubscriptionExpiry)
	c.CurrentSessionStart = cloneTime(user.CurrentSessionStart)
	c.LastRoomDate = cloneTime(user.LastRoomDate)
	c.LastRoomCreatedDate = cloneTime(user.LastRoomCreatedDate)
	c.LastStudyDate = cloneTime(user.LastStudyDate)
	return &c
}
