package services

import (
	"context"
	"strings"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/pkg/clock"
	apperrors "studyroom/pkg/errors"
	"studyroom/pkg/utils"
	"studyroom/pkg/validation"

	"go.uber.org/zap"
)

const (
	chatHistoryLimit = 50
	maxMentions      = 10
)

type ChatInput struct {
	Content   string             `json:"content"`
	Type      domain.MessageType `json:"type"`
	StickerID string             `json:"stickerId"`
	Mentions  []domain.UserID    `json:"mentions"`
}

// ChatService stores and fans out room chat. Posting is a paid feature.
type ChatService struct {
	messages    ports.MessageRepository
	users       ports.UserRepository
	broadcaster ports.Broadcaster
	presence    Presence
	clock       clock.Clock
	logger      *zap.SugaredLogger
}

func NewChatService(
	messages ports.MessageRepository,
	users ports.UserRepository,
	broadcaster ports.Broadcaster,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *ChatService {
	return &ChatService{
		messages:    messages,
		users:       users,
		broadcaster: broadcaster,
		presence:    attachment{broadcaster},
		clock:       clk,
		logger:      logger,
	}
}

// UsePresence replaces the default "attached means member" check.
func (s *ChatService) UsePresence(p Presence) {
	s.presence = p
}

// Send posts a message to roomID. A sender without chat access gets a
// chat-error event and no message is stored; the returned message is nil.
func (s *ChatService) Send(ctx context.Context, sender domain.UserContext, roomID domain.RoomID, in ChatInput) (*domain.Message, error) {
	if !s.presence.IsMember(sender.ID, roomID) {
		return nil, notInRoom(roomID)
	}

	now := s.clock.Now()
	tier, role := sender.Tier, sender.Role
	if u, err := s.users.GetByID(ctx, sender.ID); err == nil {
		tier, role = EffectiveTier(u, now), u.Role
	}
	if !ChatAllowed(tier, role) {
		s.broadcaster.SendToUser(sender.ID, domain.EventChatError, map[string]interface{}{
			"roomId":      roomID,
			"reason":      domain.ReasonPaidFeature,
			"message":     "Chat is available on paid plans",
			"showUpgrade": true,
		})
		return nil, nil
	}

	msg, err := buildMessage(roomID, sender.ID, in, now)
	if err != nil {
		return nil, err
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, apperrors.NewInternalError("failed to store message", err)
	}

	s.broadcaster.BroadcastToRoom(roomID, domain.EventChatMessage, map[string]interface{}{
		"id":        msg.ID,
		"roomId":    msg.RoomID,
		"content":   msg.Content,
		"type":      msg.Type,
		"stickerId": msg.StickerID,
		"mentions":  msg.Mentions,
		"createdAt": msg.CreatedAt,
		"sender":    sender.PublicInfo(),
	})

	s.logger.Debugw("chat message sent", "room_id", roomID, "sender_id", sender.ID, "type", msg.Type)
	return msg, nil
}

// Recent returns the latest messages of a room, oldest first.
func (s *ChatService) Recent(ctx context.Context, roomID domain.RoomID) ([]*domain.Message, error) {
	msgs, err := s.messages.ListRecent(ctx, roomID, chatHistoryLimit)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load chat history", err)
	}
	return msgs, nil
}

func buildMessage(roomID domain.RoomID, senderID domain.UserID, in ChatInput, now time.Time) (*domain.Message, error) {
	msg := &domain.Message{
		ID:        domain.MessageID(utils.NewMessageID()),
		RoomID:    roomID,
		SenderID:  senderID,
		Type:      in.Type,
		CreatedAt: now,
	}

	switch in.Type {
	case "", domain.MessageText:
		content := utils.SanitizeString(in.Content)
		if err := validation.ValidateChatContent(content); err != nil {
			return nil, apperrors.NewValidationError(err.Error())
		}
		msg.Type = domain.MessageText
		msg.Content = content
	case domain.MessageSticker:
		if strings.TrimSpace(in.StickerID) == "" {
			return nil, apperrors.NewValidationError("stickerId is required for sticker messages")
		}
		msg.StickerID = in.StickerID
	default:
		return nil, apperrors.NewValidationError("message type must be TEXT or STICKER")
	}

	if len(in.Mentions) > maxMentions {
		return nil, apperrors.NewValidationError("too many mentions")
	}
	msg.Mentions = in.Mentions
	return msg, nil
}
