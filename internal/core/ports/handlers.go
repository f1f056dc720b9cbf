package ports

import (
	"context"
	"encoding/json"

	"studyroom/internal/core/domain"
)

// Broadcaster is the live connection layer: who is attached to which room
// and how to reach them. Sends are best effort.
type Broadcaster interface {
	SendToUser(userID domain.UserID, event string, payload interface{}) bool
	BroadcastToRoom(roomID domain.RoomID, event string, payload interface{}, except ...domain.UserID)
	AttachToRoom(userID domain.UserID, roomID domain.RoomID)
	DetachFromRoom(userID domain.UserID, roomID domain.RoomID)
	DetachAll(roomID domain.RoomID) []domain.UserID
	RoomMembers(roomID domain.RoomID) []domain.UserID
	IsAttached(userID domain.UserID, roomID domain.RoomID) bool
	UserInfo(userID domain.UserID) (domain.UserContext, bool)
}

// EventHandler receives decoded client events from the gateway.
type EventHandler interface {
	HandleEvent(ctx context.Context, user domain.UserContext, event string, payload json.RawMessage) error
	HandleDisconnect(ctx context.Context, user domain.UserContext)
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.UserContext, error)
}
