package services

import (
	"context"
	"sync"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/pkg/clock"

	"go.uber.org/zap"
)

// RecordStudy updates streak counters for a study session ending at now.
// Studying again on the same day changes nothing, the next calendar day
// extends the streak, a longer gap restarts it at 1.
func RecordStudy(u *domain.User, now time.Time) {
	today := StartOfDay(now)

	switch {
	case u.LastStudyDate == nil:
		u.CurrentStreak = 1
	case SameDay(u.LastStudyDate, now):
		if u.CurrentStreak == 0 {
			u.CurrentStreak = 1
		}
	case SameDay(u.LastStudyDate, today.AddDate(0, 0, -1)):
		u.CurrentStreak++
	default:
		u.CurrentStreak = 1
	}

	if u.CurrentStreak > u.LongestStreak {
		u.LongestStreak = u.CurrentStreak
	}
	u.LastStudyDate = &now
}

const streakLeaseName = "streak-reset"

// StreakService runs the daily streak maintenance sweep. It is independent
// of session quotas.
type StreakService struct {
	users  ports.UserRepository
	clock  clock.Clock
	leaser ports.Leaser
	logger *zap.SugaredLogger

	mu      sync.Mutex
	handle  clock.Handle
	running bool
}

func NewStreakService(users ports.UserRepository, clk clock.Clock, logger *zap.SugaredLogger) *StreakService {
	return &StreakService{
		users:  users,
		clock:  clk,
		logger: logger,
	}
}

// ResetStale zeroes the streak of everyone who did not study yesterday or
// today.
func (s *StreakService) ResetStale(ctx context.Context) (int, error) {
	cutoff := StartOfDay(s.clock.Now()).AddDate(0, 0, -1)
	n, err := s.users.ResetStaleStreaks(ctx, cutoff)
	if err != nil {
		s.logger.Errorw("streak reset failed", "cutoff", cutoff, "error", err)
		return 0, err
	}
	s.logger.Infow("stale streaks reset", "cutoff", cutoff, "users", n)
	return n, nil
}

// UseLeaser makes the midnight run happen on one replica only. Call before
// Start.
func (s *StreakService) UseLeaser(l ports.Leaser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaser = l
}

// Start schedules ResetStale at every local midnight.
func (s *StreakService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.scheduleLocked()
}

func (s *StreakService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if s.handle != nil {
		s.handle.Stop()
		s.handle = nil
	}
}

func (s *StreakService) scheduleLocked() {
	next := StartOfDay(s.clock.Now()).AddDate(0, 0, 1)
	s.handle = s.clock.AfterFunc(next, s.runDaily)
}

func (s *StreakService) runDaily() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s.mu.Lock()
	leaser := s.leaser
	s.mu.Unlock()

	run := true
	if leaser != nil {
		held, err := leaser.Acquire(ctx, streakLeaseName, time.Hour)
		if err != nil {
			s.logger.Warnw("streak reset: lease check failed, skipping", "error", err)
		}
		run = held && err == nil
	}
	if run {
		s.ResetStale(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.scheduleLocked()
	}
}
