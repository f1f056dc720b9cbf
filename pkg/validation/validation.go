package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex validates room, user and message ids
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	MaxRoomNameLength    = 100
	MaxDescriptionLength = 500
	MaxChatLength        = 1000
	MaxRoomCapacity      = 999
)

// ValidateID validates an entity id such as a room or user id
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateRoomName validates room name
func ValidateRoomName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("room name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("room name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return fmt.Errorf("room name is too long (max %d characters)", MaxRoomNameLength)
	}
	return nil
}

// ValidateRoomPassword validates the password of a private room. An empty
// password means the room is open.
func ValidateRoomPassword(password string) error {
	if password == "" {
		return nil
	}
	if len(password) < 4 {
		return fmt.Errorf("room password must be at least 4 characters")
	}
	// bcrypt only looks at the first 72 bytes
	if len(password) > 72 {
		return fmt.Errorf("room password is too long (max 72 bytes)")
	}
	return nil
}

// ValidateCapacity validates a requested room capacity. Zero means "tier
// default".
func ValidateCapacity(capacity int) error {
	if capacity < 0 {
		return fmt.Errorf("capacity must be >= 0")
	}
	if capacity > MaxRoomCapacity {
		return fmt.Errorf("capacity is too high (max %d)", MaxRoomCapacity)
	}
	return nil
}

// ValidateChatContent validates a chat message body
func ValidateChatContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("message content is required")
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message contains invalid characters")
	}
	if utf8.RuneCountInString(content) > MaxChatLength {
		return fmt.Errorf("message is too long (max %d characters)", MaxChatLength)
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEURL validates a STUN or TURN server URL
func ValidateICEURL(urlStr string) error {
	for _, prefix := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(urlStr, prefix) && len(urlStr) > len(prefix) {
			return nil
		}
	}
	return fmt.Errorf("invalid ICE server URL %q (must start with stun:, stuns:, turn: or turns:)", urlStr)
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
