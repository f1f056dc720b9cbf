package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms        map[domain.RoomID]*domain.Room
	participants map[domain.RoomID]map[domain.UserID]struct{}
	mu           sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms:        make(map[domain.RoomID]*domain.Room),
		participants: make(map[domain.RoomID]map[domain.UserID]struct{}),
	}
}

func (r *MemoryRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; exists {
		return fmt.Errorf("room already exists: %s", room.ID)
	}

	r.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	return cloneRoom(room), nil
}

func (r *MemoryRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; !exists {
		return domain.ErrRoomNotFound
	}

	r.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (r *MemoryRoomRepository) AddParticipant(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[roomID]; !exists {
		return false, domain.ErrRoomNotFound
	}

	set, ok := r.participants[roomID]
	if !ok {
		set = make(map[domain.UserID]struct{})
		r.participants[roomID] = set
	}
	if _, member := set[userID]; member {
		return false, nil
	}
	set[userID] = struct{}{}
	return true, nil
}

func (r *MemoryRoomRepository) RemoveParticipant(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.participants[roomID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(r.participants, roomID)
		}
	}
	return nil
}

func (r *MemoryRoomRepository) Participants(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.participants[roomID]
	members := make([]domain.UserID, 0, len(set))
	for id := range set {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (r *MemoryRoomRepository) IsParticipant(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.participants[roomID][userID]
	return ok, nil
}

func (r *MemoryRoomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*domain.Room
	for _, room := range r.rooms {
		if room.Active {
			active = append(active, cloneRoom(room))
		}
	}
	sortRooms(active)
	return active, nil
}

func (r *MemoryRoomRepository) ListExpiring(ctx context.Context, before time.Time) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var expiring []*domain.Room
	for _, room := range r.rooms {
		if room.Active && room.AutoCloseAt != nil && !room.AutoCloseAt.After(before) {
			expiring = append(expiring, cloneRoom(room))
		}
	}
	sortRooms(expiring)
	return expiring, nil
}

func sortRooms(rooms []*domain.Room) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
}

func cloneRoom(room *domain.Room) *domain.Room {
	c := *room
	c.AutoCloseAt = cloneTime(room.AutoCloseAt)
	c.ClosedAt = cloneTime(room.ClosedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
