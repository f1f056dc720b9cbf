package utils

import (
	"github.com/google/uuid"
)

func NewRoomID() string {
	return uuid.NewString()
}

func NewSessionID() string {
	return uuid.NewString()
}

func NewMessageID() string {
	return uuid.NewString()
}

// NewRequestID generates a unique request ID
func NewRequestID() string {
	return "req_" + uuid.NewString()
}
