package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/pkg/clock"

	"go.uber.org/zap"
)

const (
	DefaultQuotaCheckInterval = 30 * time.Second
	quotaCheckTimeout         = 5 * time.Second
)

type TimeStatusPayload struct {
	RoomID           domain.RoomID `json:"roomId"`
	Tier             domain.Tier   `json:"tier"`
	LimitMinutes     int           `json:"limitMinutes"`
	UsedMinutes      int           `json:"usedMinutes"`
	RemainingMinutes int           `json:"remainingMinutes"`
}

type quotaTracker struct {
	userID      domain.UserID
	roomID      domain.RoomID
	startedAt   time.Time
	warningSent bool
	ticker      *clock.Ticker
}

// QuotaService watches connected FREE users and removes them from their room
// once the daily study budget is used up.
type QuotaService struct {
	users       ports.UserRepository
	membership  *MembershipService
	broadcaster ports.Broadcaster
	notifier    ports.Notifier
	tiers       TierTable
	clock       clock.Clock
	interval    time.Duration
	metrics     ports.MetricsRecorder
	logger      *zap.SugaredLogger

	mu       sync.Mutex
	trackers map[domain.UserID]*quotaTracker
}

func NewQuotaService(
	users ports.UserRepository,
	membership *MembershipService,
	broadcaster ports.Broadcaster,
	notifier ports.Notifier, // can be nil
	tiers TierTable,
	clk clock.Clock,
	interval time.Duration,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *QuotaService {
	if interval <= 0 {
		interval = DefaultQuotaCheckInterval
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &QuotaService{
		users:       users,
		membership:  membership,
		broadcaster: broadcaster,
		notifier:    notifier,
		tiers:       tiers,
		clock:       clk,
		interval:    interval,
		metrics:     metrics,
		logger:      logger,
		trackers:    make(map[domain.UserID]*quotaTracker),
	}
}

// Start begins tracking userID in roomID. Paid tiers and admins are not
// tracked and Start reports false for them. A repeated join of the same room
// keeps the running tracker and its warning state; a tracker for another
// room is replaced.
func (s *QuotaService) Start(userID domain.UserID, roomID domain.RoomID, tier domain.Tier, role domain.UserRole) bool {
	if role == domain.RoleAdmin || s.tiers.Limits(tier).UnlimitedStudy() {
		return false
	}

	tr := &quotaTracker{
		userID:    userID,
		roomID:    roomID,
		startedAt: s.clock.Now(),
	}

	s.mu.Lock()
	if old, ok := s.trackers[userID]; ok {
		if old.roomID == roomID {
			s.mu.Unlock()
			return true
		}
		old.ticker.Stop()
	}
	s.trackers[userID] = tr
	tr.ticker = clock.Every(s.clock, s.interval, func() { s.check(tr) })
	count := len(s.trackers)
	s.mu.Unlock()

	s.metrics.ActiveQuotaTrackers(count)
	s.logger.Debugw("quota tracking started", "user_id", userID, "room_id", roomID)
	return true
}

// Stop tears down the user's tracker if there is one.
func (s *QuotaService) Stop(userID domain.UserID) {
	s.mu.Lock()
	tr, ok := s.trackers[userID]
	s.mu.Unlock()
	if ok {
		s.remove(tr)
	}
}

func (s *QuotaService) Tracking(userID domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.trackers[userID]
	return ok
}

func (s *QuotaService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trackers)
}

// remove deletes tr if it is still the registered tracker for its user.
func (s *QuotaService) remove(tr *quotaTracker) {
	s.mu.Lock()
	cur, ok := s.trackers[tr.userID]
	if ok && cur == tr {
		delete(s.trackers, tr.userID)
	}
	count := len(s.trackers)
	s.mu.Unlock()

	tr.ticker.Stop()
	if ok && cur == tr {
		s.metrics.ActiveQuotaTrackers(count)
	}
}

func (s *QuotaService) current(tr *quotaTracker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackers[tr.userID] == tr
}

func (s *QuotaService) check(tr *quotaTracker) {
	if !s.current(tr) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), quotaCheckTimeout)
	defer cancel()

	user, err := s.users.GetByID(ctx, tr.userID)
	if err != nil {
		s.logger.Warnw("quota check: failed to load user", "user_id", tr.userID, "error", err)
		return
	}
	if user.CurrentRoomID != tr.roomID {
		s.logger.Debugw("quota check: user no longer in room", "user_id", tr.userID, "room_id", tr.roomID)
		s.remove(tr)
		return
	}

	now := s.clock.Now()
	status := s.tiers.DailyStatus(user, now)
	if status.Unlimited {
		// upgraded mid-session
		s.remove(tr)
		return
	}

	s.broadcaster.SendToUser(tr.userID, domain.EventTimeStatus, TimeStatusPayload{
		RoomID:           tr.roomID,
		Tier:             status.Tier,
		LimitMinutes:     status.LimitMinutes,
		UsedMinutes:      status.UsedMinutes,
		RemainingMinutes: status.RemainingMinutes,
	})

	if status.ShouldKick {
		s.kick(ctx, tr)
		return
	}

	if status.ShouldWarn {
		s.warnOnce(tr, status, now)
	}
}

func (s *QuotaService) warnOnce(tr *quotaTracker, status DailyStatus, now time.Time) {
	s.mu.Lock()
	send := !tr.warningSent
	tr.warningSent = true
	s.mu.Unlock()
	if !send {
		return
	}

	msg := fmt.Sprintf("You have %d minutes of study time left today", status.RemainingMinutes)
	s.broadcaster.SendToUser(tr.userID, domain.EventSessionWarning, map[string]interface{}{
		"roomId":           tr.roomID,
		"remainingMinutes": status.RemainingMinutes,
		"message":          msg,
	})
	s.broadcaster.SendToUser(tr.userID, domain.EventChatMessage, SystemMessage(tr.roomID, msg, now))

	s.metrics.QuotaWarning()
	s.logger.Infow("daily limit warning sent", "user_id", tr.userID, "room_id", tr.roomID, "remaining_minutes", status.RemainingMinutes)
}

func (s *QuotaService) kick(ctx context.Context, tr *quotaTracker) {
	s.remove(tr)

	if _, err := s.membership.Leave(ctx, tr.roomID, tr.userID); err != nil {
		s.logger.Errorw("quota kick: leave failed", "user_id", tr.userID, "room_id", tr.roomID, "error", err)
	}

	s.broadcaster.SendToUser(tr.userID, domain.EventSessionExpired, map[string]interface{}{
		"roomId":  tr.roomID,
		"reason":  domain.ReasonDailyLimit,
		"message": "You have reached today's study limit. Upgrade for unlimited study time.",
	})
	s.broadcaster.BroadcastToRoom(tr.roomID, domain.EventUserLeft, map[string]interface{}{
		"userId": tr.userID,
		"reason": domain.LeaveReasonDailyLimit,
	}, tr.userID)
	s.broadcaster.DetachFromRoom(tr.userID, tr.roomID)

	if s.notifier != nil {
		err := s.notifier.Notify(ctx, tr.userID, ports.Notification{
			Type:    "DAILY_LIMIT_REACHED",
			Title:   "Daily study limit reached",
			Message: "You used all of today's free study time. It resets at midnight.",
			Data:    map[string]interface{}{"roomId": tr.roomID},
		})
		if err != nil {
			s.logger.Warnw("quota kick: notification failed", "user_id", tr.userID, "error", err)
		}
	}

	s.metrics.QuotaKick()
	s.metrics.RoomLeft(domain.LeaveReasonDailyLimit)
	s.logger.Infow("user removed for daily limit", "user_id", tr.userID, "room_id", tr.roomID)
}
