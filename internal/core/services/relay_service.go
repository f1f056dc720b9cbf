package services

import (
	"context"
	"encoding/json"
	"errors"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/pkg/clock"
	apperrors "studyroom/pkg/errors"
	"studyroom/pkg/validation"

	"go.uber.org/zap"
)

type SignalPayload struct {
	Signal   json.RawMessage   `json:"signal"`
	From     domain.UserID     `json:"from"`
	UserInfo domain.PublicInfo `json:"userInfo"`
}

type MediaState struct {
	IsMicOn         bool `json:"isMicOn"`
	IsCameraOn      bool `json:"isCameraOn"`
	IsScreenSharing bool `json:"isScreenSharing"`
}

type MediaStatePayload struct {
	UserID domain.UserID `json:"userId"`
	RoomID domain.RoomID `json:"roomId"`
	MediaState
}

// Presence tells room members apart from connections that only receive a
// room's events, such as spectating admins.
type Presence interface {
	IsMember(userID domain.UserID, roomID domain.RoomID) bool
}

// attachment is the Presence used until a Coordinator takes over: every
// attached connection counts.
type attachment struct{ bc ports.Broadcaster }

func (a attachment) IsMember(userID domain.UserID, roomID domain.RoomID) bool {
	return a.bc.IsAttached(userID, roomID)
}

// RelayService forwards opaque WebRTC signaling between members of the same
// room and applies the microphone policy to media state changes.
type RelayService struct {
	rooms       ports.RoomRepository
	users       ports.UserRepository
	broadcaster ports.Broadcaster
	presence    Presence
	clock       clock.Clock
	metrics     ports.MetricsRecorder
	logger      *zap.SugaredLogger
}

func NewRelayService(
	rooms ports.RoomRepository,
	users ports.UserRepository,
	broadcaster ports.Broadcaster,
	clk clock.Clock,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *RelayService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &RelayService{
		rooms:       rooms,
		users:       users,
		broadcaster: broadcaster,
		presence:    attachment{broadcaster},
		clock:       clk,
		metrics:     metrics,
		logger:      logger,
	}
}

// UsePresence replaces the default "attached means member" check.
func (s *RelayService) UsePresence(p Presence) {
	s.presence = p
}

// Relay delivers payload from sender to target. Both must be live members
// of roomID. The payload is never inspected.
func (s *RelayService) Relay(ctx context.Context, from domain.UserContext, roomID domain.RoomID, to domain.UserID, payload json.RawMessage) error {
	if err := validation.ValidateID(string(to), "signal target"); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if len(payload) == 0 {
		return apperrors.NewValidationError("signal payload is required")
	}
	if !s.presence.IsMember(from.ID, roomID) {
		return notInRoom(roomID)
	}
	if !s.presence.IsMember(to, roomID) {
		return apperrors.NewPolicyViolation(domain.ReasonNotMember, "signal target is not in this room", domain.ErrNotMember).
			WithContext("target_id", to)
	}

	delivered := s.broadcaster.SendToUser(to, domain.EventSignal, SignalPayload{
		Signal:   payload,
		From:     from.ID,
		UserInfo: from.PublicInfo(),
	})
	if delivered {
		s.metrics.SignalRelayed()
	}
	s.logger.Debugw("signal relayed", "room_id", roomID, "from", from.ID, "to", to, "bytes", len(payload), "delivered", delivered)
	return nil
}

// UpdateMediaState broadcasts a member's media state to the rest of the
// room. Turning the microphone on where the policy forbids it is
// suppressed: the sender gets mic-blocked and everyone else sees the mic
// off.
func (s *RelayService) UpdateMediaState(ctx context.Context, user domain.UserContext, roomID domain.RoomID, state MediaState) error {
	if !s.presence.IsMember(user.ID, roomID) {
		return notInRoom(roomID)
	}

	if state.IsMicOn {
		decision, err := s.micDecision(ctx, user, roomID)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			state.IsMicOn = false
			s.broadcaster.SendToUser(user.ID, domain.EventMicBlocked, map[string]interface{}{
				"roomId":      roomID,
				"message":     decision.Message,
				"showUpgrade": decision.ShowUpgrade,
				"roomType":    decision.RoomType,
			})
			s.logger.Infow("microphone blocked", "user_id", user.ID, "room_id", roomID, "room_type", decision.RoomType)
		}
	}

	s.broadcaster.BroadcastToRoom(roomID, domain.EventMediaStateUpdate, MediaStatePayload{
		UserID:     user.ID,
		RoomID:     roomID,
		MediaState: state,
	}, user.ID)
	return nil
}

// MicPermission answers whether the user may turn the microphone on.
func (s *RelayService) MicPermission(ctx context.Context, user domain.UserContext, roomID domain.RoomID) (MicDecision, error) {
	decision, err := s.micDecision(ctx, user, roomID)
	if err != nil {
		return MicDecision{}, err
	}
	s.broadcaster.SendToUser(user.ID, domain.EventMicPermissionResult, decision)
	return decision, nil
}

func (s *RelayService) micDecision(ctx context.Context, user domain.UserContext, roomID domain.RoomID) (MicDecision, error) {
	room, err := s.rooms.GetByID(ctx, roomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return MicDecision{}, apperrors.NewNotFoundError("room", err).WithContext("room_id", roomID)
	}
	if err != nil {
		return MicDecision{}, apperrors.NewInternalError("failed to load room", err)
	}

	// re-read the tier so an expired subscription is honoured mid-connection
	tier := user.Tier
	role := user.Role
	if u, err := s.users.GetByID(ctx, user.ID); err == nil {
		tier = EffectiveTier(u, s.clock.Now())
		role = u.Role
	} else {
		s.logger.Warnw("mic policy: falling back to connection tier", "user_id", user.ID, "error", err)
	}

	return MicPolicy(room.Type, tier, role), nil
}

func notInRoom(roomID domain.RoomID) error {
	return apperrors.NewPolicyViolation(domain.ReasonNotMember, "you are not in this room", domain.ErrNotMember).
		WithContext("room_id", roomID)
}
