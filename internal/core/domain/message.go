package domain

import "time"

type MessageID string

type MessageType string

const (
	MessageText    MessageType = "TEXT"
	MessageSticker MessageType = "STICKER"
	MessageSystem  MessageType = "SYSTEM"
)

type Message struct {
	ID        MessageID   `json:"id"`
	RoomID    RoomID      `json:"roomId"`
	SenderID  UserID      `json:"senderId,omitempty"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	StickerID string      `json:"stickerId,omitempty"`
	Mentions  []UserID    `json:"mentions,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}
