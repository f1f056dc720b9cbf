package domain

import "time"

type RoomID string

type RoomType string

const (
	RoomSilent     RoomType = "SILENT"
	RoomDiscussion RoomType = "DISCUSSION"
)

func (t RoomType) Valid() bool {
	return t == RoomSilent || t == RoomDiscussion
}

type Room struct {
	ID           RoomID     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	OwnerID      UserID     `json:"ownerId,omitempty"`
	Type         RoomType   `json:"type"`
	IsPublic     bool       `json:"isPublic"`
	PasswordHash string     `json:"-"`
	Capacity     int        `json:"capacity"`
	TimerMode    TimerMode  `json:"timerMode"`
	Active       bool       `json:"active"`
	IsSystem     bool       `json:"isSystem"`
	OwnerTier    Tier       `json:"ownerTier,omitempty"`
	AutoCloseAt  *time.Time `json:"autoCloseAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
	CloseReason  string     `json:"closeReason,omitempty"`
}

func (r *Room) HasPassword() bool {
	return r.PasswordHash != ""
}

func (r *Room) IsOwner(id UserID) bool {
	return r.OwnerID != "" && r.OwnerID == id
}
