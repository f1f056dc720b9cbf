package ports

import (
	"context"
	"time"

	"studyroom/internal/core/domain"
)

type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	Update(ctx context.Context, room *domain.Room) error
	// AddParticipant is a set-insert: adding an existing member is a no-op
	// and reports false.
	AddParticipant(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (bool, error)
	RemoveParticipant(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error
	Participants(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error)
	IsParticipant(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (bool, error)
	ListActive(ctx context.Context) ([]*domain.Room, error)
	// ListExpiring returns active rooms whose AutoCloseAt is at or before the
	// given instant.
	ListExpiring(ctx context.Context, before time.Time) ([]*domain.Room, error)
}

type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) error
	// ResetStaleStreaks zeroes CurrentStreak for users whose LastStudyDate is
	// before the cutoff and returns how many were reset.
	ResetStaleStreaks(ctx context.Context, cutoff time.Time) (int, error)
}

type StudySessionRepository interface {
	Create(ctx context.Context, session *domain.StudySession) error
	// FindOpen returns domain.ErrSessionNotFound when the user has no open
	// session in the room.
	FindOpen(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (*domain.StudySession, error)
	Update(ctx context.Context, session *domain.StudySession) error
	ListOpenByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.StudySession, error)
}

type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	ListRecent(ctx context.Context, roomID domain.RoomID, limit int) ([]*domain.Message, error)
}
