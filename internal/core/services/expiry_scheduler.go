package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/pkg/clock"
	"studyroom/pkg/tracing"

	"go.uber.org/zap"
)

const (
	DefaultExpirySweepInterval = time.Minute
	expiryLookahead            = 10 * time.Minute
	expirySweepTimeout         = 30 * time.Second
	expiryLeaseName            = "expiry-sweep"
)

// expiryWarnings are the minutes-left marks announced before auto-close.
// Each fires when the deadline is within (mark-1, mark] minutes.
var expiryWarnings = []int{10, 5}

// RoomCloser force-closes a room and notifies its members.
type RoomCloser interface {
	ForceCloseRoom(ctx context.Context, roomID domain.RoomID, reason string) error
}

type RoomWarningPayload struct {
	RoomID      domain.RoomID `json:"roomId"`
	MinutesLeft int           `json:"minutesLeft"`
	AutoCloseAt int64         `json:"autoCloseAt"` // unix ms
	Message     string        `json:"message"`
}

// ExpiryScheduler closes rooms at their AutoCloseAt deadline and warns
// members ahead of it.
type ExpiryScheduler struct {
	rooms       ports.RoomRepository
	broadcaster ports.Broadcaster
	closer      RoomCloser
	clock       clock.Clock
	interval    time.Duration
	leaser      ports.Leaser
	logger      *zap.SugaredLogger

	mu     sync.Mutex
	warned map[domain.RoomID]map[int]bool
	ticker *clock.Ticker
}

func NewExpiryScheduler(
	rooms ports.RoomRepository,
	broadcaster ports.Broadcaster,
	closer RoomCloser,
	clk clock.Clock,
	interval time.Duration,
	logger *zap.SugaredLogger,
) *ExpiryScheduler {
	if interval <= 0 {
		interval = DefaultExpirySweepInterval
	}
	return &ExpiryScheduler{
		rooms:       rooms,
		broadcaster: broadcaster,
		closer:      closer,
		clock:       clk,
		interval:    interval,
		logger:      logger,
		warned:      make(map[domain.RoomID]map[int]bool),
	}
}

// UseLeaser makes scheduled sweeps run only while this replica holds the
// sweep lease. Call before Start.
func (s *ExpiryScheduler) UseLeaser(l ports.Leaser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaser = l
}

func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return
	}
	s.ticker = clock.Every(s.clock, s.interval, s.tick)
	s.logger.Infow("room expiry scheduler started", "interval", s.interval, "leased", s.leaser != nil)
}

func (s *ExpiryScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), expirySweepTimeout)
	defer cancel()

	s.mu.Lock()
	leaser := s.leaser
	s.mu.Unlock()
	if leaser != nil {
		// the lease outlives one interval so a healthy holder keeps it
		held, err := leaser.Acquire(ctx, expiryLeaseName, 2*s.interval)
		if err != nil {
			s.logger.Warnw("expiry sweep: lease check failed, skipping", "error", err)
			return
		}
		if !held {
			s.logger.Debugw("expiry sweep: another instance holds the lease")
			return
		}
	}
	s.Sweep(ctx)
}

func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

// Sweep runs one pass. A failure on one room never stops the others.
func (s *ExpiryScheduler) Sweep(ctx context.Context) {
	now := s.clock.Now()
	rooms, err := s.rooms.ListExpiring(ctx, now.Add(expiryLookahead))
	if err != nil {
		s.logger.Errorw("expiry sweep: failed to list rooms", "error", err)
		return
	}

	seen := make(map[domain.RoomID]bool, len(rooms))
	for _, room := range rooms {
		seen[room.ID] = true
		s.sweepRoom(ctx, room, now)
	}
	s.pruneWarnings(seen)
}

// pruneWarnings drops dedup state of rooms that left the expiry window,
// e.g. because their owner closed them early.
func (s *ExpiryScheduler) pruneWarnings(seen map[domain.RoomID]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.warned {
		if !seen[id] {
			delete(s.warned, id)
		}
	}
}

func (s *ExpiryScheduler) sweepRoom(ctx context.Context, room *domain.Room, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("expiry sweep: panic while handling room", "room_id", room.ID, "panic", r)
		}
	}()

	if room.AutoCloseAt == nil || !room.Active {
		return
	}
	left := room.AutoCloseAt.Sub(now)

	if left <= 0 {
		ctx, span := tracing.TraceRoomOperation(ctx, "auto-close", string(room.ID))
		defer span.End()
		if err := s.closer.ForceCloseRoom(ctx, room.ID, domain.CloseReasonExpired); err != nil {
			tracing.RecordError(ctx, err)
			s.logger.Errorw("expiry sweep: failed to close room", "room_id", room.ID, "error", err)
			return
		}
		s.forget(room.ID)
		s.logger.Infow("room auto-closed", "room_id", room.ID, "deadline", room.AutoCloseAt)
		return
	}

	for _, mark := range expiryWarnings {
		upper := time.Duration(mark) * time.Minute
		lower := upper - time.Minute
		if left <= upper && left > lower {
			s.warn(room, mark)
			return
		}
	}
}

func (s *ExpiryScheduler) warn(room *domain.Room, minutes int) {
	s.mu.Lock()
	marks, ok := s.warned[room.ID]
	if !ok {
		marks = make(map[int]bool)
		s.warned[room.ID] = marks
	}
	already := marks[minutes]
	marks[minutes] = true
	s.mu.Unlock()
	if already {
		return
	}

	s.broadcaster.BroadcastToRoom(room.ID, domain.EventRoomWarning, RoomWarningPayload{
		RoomID:      room.ID,
		MinutesLeft: minutes,
		AutoCloseAt: room.AutoCloseAt.UnixMilli(),
		Message:     fmt.Sprintf("This room closes in %d minutes", minutes),
	})
	s.logger.Infow("room expiry warning sent", "room_id", room.ID, "minutes_left", minutes)
}

func (s *ExpiryScheduler) forget(roomID domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.warned, roomID)
}
