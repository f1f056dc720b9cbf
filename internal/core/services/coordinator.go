package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/pkg/clock"
	apperrors "studyroom/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type roomRequest struct {
	RoomID domain.RoomID `json:"roomId"`
}

type joinRoomRequest struct {
	RoomID   domain.RoomID `json:"roomId"`
	Password string        `json:"password"`
}

type timerModeRequest struct {
	RoomID domain.RoomID    `json:"roomId"`
	Mode   domain.TimerMode `json:"mode"`
}

type signalRequest struct {
	RoomID domain.RoomID   `json:"roomId"`
	To     domain.UserID   `json:"to"`
	Signal json.RawMessage `json:"signal"`
}

type chatRequest struct {
	RoomID domain.RoomID `json:"roomId"`
	ChatInput
}

type mediaStateRequest struct {
	RoomID domain.RoomID `json:"roomId"`
	MediaState
}

// RoomInfo is sent to a user right after joining.
type RoomInfo struct {
	Room          *domain.Room        `json:"room"`
	Participants  []domain.PublicInfo `json:"participants"`
	MicPermission MicDecision         `json:"micPermission"`
	ICEServers    []webrtc.ICEServer  `json:"iceServers"`
	Messages      []*domain.Message   `json:"messages"`
	Timer         *TimerPayload       `json:"timer,omitempty"`
	Spectating    bool                `json:"spectating,omitempty"`
}

type SessionInfo struct {
	RoomID           domain.RoomID    `json:"roomId"`
	SessionID        domain.SessionID `json:"sessionId"`
	Tier             domain.Tier      `json:"tier"`
	LimitMinutes     int              `json:"limitMinutes"`
	UsedMinutes      int              `json:"usedMinutes"`
	RemainingMinutes int              `json:"remainingMinutes"`
	WarningMinutes   int              `json:"warningMinutes"`
}

// Coordinator turns client events and admin actions into calls on the
// membership, timer, quota, relay and chat services, and keeps the live
// connection layer in step with persisted membership.
type Coordinator struct {
	membership  *MembershipService
	timers      *TimerService
	quota       *QuotaService
	relay       *RelayService
	chat        *ChatService
	broadcaster ports.Broadcaster
	notifier    ports.Notifier
	iceServers  []webrtc.ICEServer
	clock       clock.Clock
	metrics     ports.MetricsRecorder
	logger      *zap.SugaredLogger

	mu         sync.Mutex
	spectators map[domain.UserID]domain.RoomID
}

func NewCoordinator(
	membership *MembershipService,
	timers *TimerService,
	quota *QuotaService,
	relay *RelayService,
	chat *ChatService,
	broadcaster ports.Broadcaster,
	notifier ports.Notifier, // can be nil
	iceServers []webrtc.ICEServer,
	clk clock.Clock,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *Coordinator {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	c := &Coordinator{
		membership:  membership,
		timers:      timers,
		quota:       quota,
		relay:       relay,
		chat:        chat,
		broadcaster: broadcaster,
		notifier:    notifier,
		iceServers:  iceServers,
		clock:       clk,
		metrics:     metrics,
		logger:      logger,
		spectators:  make(map[domain.UserID]domain.RoomID),
	}
	relay.UsePresence(c)
	chat.UsePresence(c)
	return c
}

// HandleEvent dispatches one client event.
func (c *Coordinator) HandleEvent(ctx context.Context, user domain.UserContext, event string, payload json.RawMessage) error {
	switch event {
	case domain.EventJoinRoom:
		var req joinRoomRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		return c.JoinRoom(ctx, user, req.RoomID, req.Password)

	case domain.EventLeaveRoom:
		var req roomRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		return c.LeaveRoom(ctx, user, req.RoomID)

	case domain.EventTimerStart:
		var req roomRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		return c.StartTimer(ctx, user, req.RoomID)

	case domain.EventTimerStop:
		var req roomRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		return c.StopTimer(ctx, user, req.RoomID)

	case domain.EventTimerModeChange:
		var req timerModeRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		return c.ChangeTimerMode(ctx, user, req.RoomID, req.Mode)

	case domain.EventSignal:
		var req signalRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		return c.relay.Relay(ctx, user, req.RoomID, req.To, req.Signal)

	case domain.EventChatMessage:
		var req chatRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		_, err := c.chat.Send(ctx, user, req.RoomID, req.ChatInput)
		return err

	case domain.EventMediaStateUpdate:
		var req mediaStateRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		return c.relay.UpdateMediaState(ctx, user, req.RoomID, req.MediaState)

	case domain.EventRequestMicPermission:
		var req roomRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		_, err := c.relay.MicPermission(ctx, user, req.RoomID)
		return err

	case domain.EventAdminJoinRoom:
		var req roomRequest
		if err := decode(payload, &req); err != nil {
			return err
		}
		return c.AdminSpectate(ctx, user, req.RoomID)

	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown event type: %s", event))
	}
}

// HandleDisconnect cleans up after the user's last connection went away.
func (c *Coordinator) HandleDisconnect(ctx context.Context, user domain.UserContext) {
	c.quota.Stop(user.ID)

	if roomID, ok := c.dropSpectator(user.ID); ok {
		c.broadcaster.DetachFromRoom(user.ID, roomID)
	}

	current := domain.RoomID("")
	if u, err := c.membership.User(ctx, user.ID); err == nil {
		current = u.CurrentRoomID
	} else {
		c.logger.Warnw("disconnect: failed to load user", "user_id", user.ID, "error", err)
	}

	if current != "" {
		if err := c.leave(ctx, user.ID, current, domain.LeaveReasonDisconnect, false); err != nil {
			c.logger.Errorw("disconnect: leave failed", "user_id", user.ID, "room_id", current, "error", err)
		}
	}
}

// JoinRoom admits the user and brings the connection up to date: room info,
// quota session info and the current timer, which is started on first join.
func (c *Coordinator) JoinRoom(ctx context.Context, user domain.UserContext, roomID domain.RoomID, password string) error {
	if roomID == "" {
		return apperrors.NewValidationError("roomId is required")
	}
	if prev, ok := c.dropSpectator(user.ID); ok {
		c.broadcaster.DetachFromRoom(user.ID, prev)
	}

	res, err := c.membership.Join(ctx, roomID, user.ID, password)
	if err != nil {
		return err
	}
	now := c.clock.Now()

	wasAttached := c.broadcaster.IsAttached(user.ID, roomID)
	c.broadcaster.AttachToRoom(user.ID, roomID)
	if !wasAttached {
		c.broadcaster.BroadcastToRoom(roomID, domain.EventUserJoined, map[string]interface{}{
			"roomId":   roomID,
			"userId":   user.ID,
			"userInfo": user.PublicInfo(),
		}, user.ID)
	}

	info := RoomInfo{
		Room:          res.Room,
		Participants:  c.participantsInfo(roomID),
		MicPermission: MicPolicy(res.Room.Type, res.Tier, user.Role),
		ICEServers:    c.iceServers,
		Messages:      c.recentMessages(ctx, roomID),
	}
	if state, ok := c.timers.State(roomID); ok {
		p := NewTimerPayload(state, now)
		info.Timer = &p
	}
	c.broadcaster.SendToUser(user.ID, domain.EventRoomInfo, info)

	if !res.Status.Unlimited {
		limits := c.membership.Tiers().Limits(res.Tier)
		c.broadcaster.SendToUser(user.ID, domain.EventSessionInfo, SessionInfo{
			RoomID:           roomID,
			SessionID:        res.Session.ID,
			Tier:             res.Tier,
			LimitMinutes:     res.Status.LimitMinutes,
			UsedMinutes:      res.Status.UsedMinutes,
			RemainingMinutes: res.Status.RemainingMinutes,
			WarningMinutes:   int(limits.WarningBeforeKick.Minutes()),
		})
		c.quota.Start(user.ID, roomID, res.Tier, user.Role)
	}

	if state, created := c.timers.Ensure(roomID, res.Room.TimerMode); !created {
		c.broadcaster.SendToUser(user.ID, domain.EventTimerSync, NewTimerPayload(state, now))
	}
	return nil
}

// LeaveRoom is a voluntary leave. An empty roomID means the user's current
// room.
func (c *Coordinator) LeaveRoom(ctx context.Context, user domain.UserContext, roomID domain.RoomID) error {
	if spectating, ok := c.spectatingRoom(user.ID); ok && (roomID == "" || roomID == spectating) {
		c.dropSpectator(user.ID)
		c.broadcaster.DetachFromRoom(user.ID, spectating)
		return nil
	}

	if roomID == "" {
		u, err := c.membership.User(ctx, user.ID)
		if err != nil {
			return err
		}
		if u.CurrentRoomID == "" {
			return nil
		}
		roomID = u.CurrentRoomID
	}
	return c.leave(ctx, user.ID, roomID, domain.LeaveReasonVoluntary, false)
}

// ForceLeaveUser removes a user from whatever room they are in.
func (c *Coordinator) ForceLeaveUser(ctx context.Context, userID domain.UserID) error {
	u, err := c.membership.User(ctx, userID)
	if err != nil {
		return err
	}
	if u.CurrentRoomID == "" {
		return apperrors.NewPolicyViolation(domain.ReasonNotMember, "user is not in a room", domain.ErrNotMember)
	}
	return c.leave(ctx, userID, u.CurrentRoomID, domain.LeaveReasonKicked, true)
}

func (c *Coordinator) leave(ctx context.Context, userID domain.UserID, roomID domain.RoomID, reason string, notifySelf bool) error {
	c.quota.Stop(userID)

	wasAttached := c.broadcaster.IsAttached(userID, roomID)
	res, err := c.membership.Leave(ctx, roomID, userID)
	if err == nil && (res.WasMember || wasAttached) {
		payload := map[string]interface{}{
			"roomId": roomID,
			"userId": userID,
			"reason": reason,
		}
		if notifySelf {
			c.broadcaster.BroadcastToRoom(roomID, domain.EventUserLeft, payload)
		} else {
			c.broadcaster.BroadcastToRoom(roomID, domain.EventUserLeft, payload, userID)
		}
		c.metrics.RoomLeft(reason)
	}
	c.broadcaster.DetachFromRoom(userID, roomID)
	return err
}

// ForceCloseRoom closes the room, evicts every member and tells them why.
// Closing an already closed room does nothing.
func (c *Coordinator) ForceCloseRoom(ctx context.Context, roomID domain.RoomID, reason string) error {
	live := c.broadcaster.RoomMembers(roomID)

	res, err := c.membership.Close(ctx, roomID, reason)
	if err != nil {
		return err
	}
	if res.AlreadyClosed {
		c.logger.Debugw("room already closed", "room_id", roomID)
		return nil
	}

	c.timers.Remove(roomID)
	for _, userID := range append(res.Evicted, live...) {
		c.quota.Stop(userID)
	}

	c.broadcaster.BroadcastToRoom(roomID, domain.EventRoomClosed, map[string]interface{}{
		"roomId":  roomID,
		"reason":  reason,
		"message": closeMessage(reason),
	})
	c.broadcaster.DetachAll(roomID)
	c.dropSpectatorsOf(roomID)

	for range res.Evicted {
		c.metrics.RoomLeft(domain.LeaveReasonRoomClosed)
	}

	if owner := res.Room.OwnerID; owner != "" && c.notifier != nil {
		err := c.notifier.Notify(ctx, owner, ports.Notification{
			Type:    "ROOM_CLOSED",
			Title:   "Your room was closed",
			Message: fmt.Sprintf("%q: %s", res.Room.Name, closeMessage(reason)),
			Data:    map[string]interface{}{"roomId": roomID, "reason": reason},
		})
		if err != nil {
			c.logger.Warnw("room close notification failed", "room_id", roomID, "owner_id", owner, "error", err)
		}
	}
	return nil
}

// CloseByOwner lets the owner (or an admin) end a room early.
func (c *Coordinator) CloseByOwner(ctx context.Context, user domain.UserContext, roomID domain.RoomID) error {
	room, err := c.membership.Room(ctx, roomID)
	if err != nil {
		return err
	}
	reason := domain.CloseReasonOwner
	if !room.IsOwner(user.ID) {
		if !user.IsAdmin() {
			return apperrors.NewPolicyViolation(domain.ReasonNotOwner, "only the room owner can close this room", domain.ErrNotOwner)
		}
		reason = domain.CloseReasonAdmin
	}
	return c.ForceCloseRoom(ctx, roomID, reason)
}

func (c *Coordinator) StartTimer(ctx context.Context, user domain.UserContext, roomID domain.RoomID) error {
	room, err := c.requireMember(ctx, user, roomID)
	if err != nil {
		return err
	}
	c.timers.Start(roomID, room.TimerMode)
	return nil
}

func (c *Coordinator) StopTimer(ctx context.Context, user domain.UserContext, roomID domain.RoomID) error {
	if _, err := c.requireMember(ctx, user, roomID); err != nil {
		return err
	}
	c.timers.Stop(roomID)
	return nil
}

func (c *Coordinator) ChangeTimerMode(ctx context.Context, user domain.UserContext, roomID domain.RoomID, mode domain.TimerMode) error {
	if _, err := c.requireMember(ctx, user, roomID); err != nil {
		return err
	}
	c.timers.ChangeMode(roomID, mode)
	return nil
}

// AdminSpectate attaches an admin to a room without joining it. Spectators
// are invisible to members and count against no limit.
func (c *Coordinator) AdminSpectate(ctx context.Context, user domain.UserContext, roomID domain.RoomID) error {
	if !user.IsAdmin() {
		return apperrors.NewPolicyViolation(domain.ReasonAdminOnly, "admin only", domain.ErrAdminOnly)
	}
	room, err := c.membership.Room(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.Active {
		return apperrors.NewPolicyViolation(domain.ReasonRoomInactive, "room is closed", domain.ErrRoomInactive)
	}

	c.mu.Lock()
	c.spectators[user.ID] = roomID
	c.mu.Unlock()
	c.broadcaster.AttachToRoom(user.ID, roomID)

	now := c.clock.Now()
	info := RoomInfo{
		Room:          room,
		Participants:  c.participantsInfo(roomID),
		MicPermission: MicDecision{Allowed: false, RoomType: room.Type, Message: "Spectators cannot speak"},
		ICEServers:    c.iceServers,
		Messages:      c.recentMessages(ctx, roomID),
		Spectating:    true,
	}
	state, hasTimer := c.timers.State(roomID)
	if hasTimer {
		p := NewTimerPayload(state, now)
		info.Timer = &p
	}
	c.broadcaster.SendToUser(user.ID, domain.EventRoomInfo, info)
	if hasTimer {
		c.broadcaster.SendToUser(user.ID, domain.EventTimerSync, NewTimerPayload(state, now))
	}

	c.logger.Infow("admin spectating room", "admin_id", user.ID, "room_id", roomID)
	return nil
}

// IsMember reports whether userID is attached to roomID as a member.
// Spectating admins receive the room's events but are not members.
func (c *Coordinator) IsMember(userID domain.UserID, roomID domain.RoomID) bool {
	if _, spectating := c.spectatingRoom(userID); spectating {
		return false
	}
	return c.broadcaster.IsAttached(userID, roomID)
}

func (c *Coordinator) requireMember(ctx context.Context, user domain.UserContext, roomID domain.RoomID) (*domain.Room, error) {
	if !c.IsMember(user.ID, roomID) {
		return nil, notInRoom(roomID)
	}
	return c.membership.Room(ctx, roomID)
}

func (c *Coordinator) liveMembers(roomID domain.RoomID) []domain.UserID {
	all := c.broadcaster.RoomMembers(roomID)
	c.mu.Lock()
	defer c.mu.Unlock()
	members := make([]domain.UserID, 0, len(all))
	for _, id := range all {
		if c.spectators[id] == roomID {
			continue
		}
		members = append(members, id)
	}
	return members
}

func (c *Coordinator) participantsInfo(roomID domain.RoomID) []domain.PublicInfo {
	ids := c.liveMembers(roomID)
	infos := make([]domain.PublicInfo, 0, len(ids))
	for _, id := range ids {
		if uc, ok := c.broadcaster.UserInfo(id); ok {
			infos = append(infos, uc.PublicInfo())
		}
	}
	return infos
}

func (c *Coordinator) recentMessages(ctx context.Context, roomID domain.RoomID) []*domain.Message {
	msgs, err := c.chat.Recent(ctx, roomID)
	if err != nil {
		c.logger.Warnw("failed to load chat history", "room_id", roomID, "error", err)
		return []*domain.Message{}
	}
	return msgs
}

func (c *Coordinator) spectatingRoom(userID domain.UserID) (domain.RoomID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	roomID, ok := c.spectators[userID]
	return roomID, ok
}

func (c *Coordinator) dropSpectator(userID domain.UserID) (domain.RoomID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	roomID, ok := c.spectators[userID]
	delete(c.spectators, userID)
	return roomID, ok
}

func (c *Coordinator) dropSpectatorsOf(roomID domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for userID, r := range c.spectators {
		if r == roomID {
			delete(c.spectators, userID)
		}
	}
}

func closeMessage(reason string) string {
	switch reason {
	case domain.CloseReasonExpired:
		return "The room reached its time limit and was closed"
	case domain.CloseReasonOwner:
		return "The room was closed by its owner"
	case domain.CloseReasonAdmin:
		return "The room was closed by an administrator"
	default:
		return "The room was closed"
	}
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return apperrors.NewValidationError("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return apperrors.NewValidationError("payload is not valid JSON")
		}
		return apperrors.NewValidationError(fmt.Sprintf("invalid payload: %v", err))
	}
	return nil
}
