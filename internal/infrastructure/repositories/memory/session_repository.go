package memory

import (
	"context"
	"fmt"
	"sync"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
)

type MemoryStudySessionRepository struct {
	sessions map[domain.SessionID]*domain.StudySession
	mu       sync.RWMutex
}

func NewMemoryStudySessionRepository() ports.StudySessionRepository {
	return &MemoryStudySessionRepository{
		sessions: make(map[domain.SessionID]*domain.StudySession),
	}
}

func (r *MemoryStudySessionRepository) Create(ctx context.Context, session *domain.StudySession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("study session already exists: %s", session.ID)
	}

	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemoryStudySessionRepository) FindOpen(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (*domain.StudySession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.UserID == userID && s.RoomID == roomID && s.Open() {
			return cloneSession(s), nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (r *MemoryStudySessionRepository) Update(ctx context.Context, session *domain.StudySession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; !exists {
		return domain.ErrSessionNotFound
	}

	r.sessions[session.ID] = cloneSession(session)
	return nil
}

func (r *MemoryStudySessionRepository) ListOpenByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.StudySession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []*domain.StudySession
	for _, s := range r.sessions {
		if s.RoomID == roomID && s.Open() {
			open = append(open, cloneSession(s))
		}
	}
	return open, nil
}

func cloneSession(s *domain.StudySession) *domain.StudySession {
	c := *s
	c.EndTime = cloneTime(s.EndTime)
	return &c
}
