package ports

import (
	"context"
	"time"

	"studyroom/internal/core/domain"
)

type Notification struct {
	Type    string                 `json:"type"`
	Title   string                 `json:"title"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Notifier delivers out-of-band notifications (push, inbox). Failures are
// logged by callers and never block the real-time path.
type Notifier interface {
	Notify(ctx context.Context, userID domain.UserID, n Notification) error
}

// BadgeEvaluator scores achievements after a study session ends.
type BadgeEvaluator interface {
	Evaluate(ctx context.Context, userID domain.UserID) error
}

type BadgeEvaluatorFunc func(ctx context.Context, userID domain.UserID) error

func (f BadgeEvaluatorFunc) Evaluate(ctx context.Context, userID domain.UserID) error {
	return f(ctx, userID)
}

// Leaser grants time-bounded exclusive leases so that periodic sweeps run on
// one replica at a time.
type Leaser interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

type MetricsRecorder interface {
	RoomJoined(roomType domain.RoomType)
	RoomLeft(reason string)
	RoomClosed(reason string)
	TimerTransition(phase domain.Phase)
	QuotaWarning()
	QuotaKick()
	SignalRelayed()
	ActiveTimers(n int)
	ActiveQuotaTrackers(n int)
	Connections(n int)
}

type NopMetrics struct{}

func (NopMetrics) RoomJoined(domain.RoomType) {}
func (NopMetrics) RoomLeft(string) {}
func (NopMetrics) RoomClosed(string) {}
func (NopMetrics) TimerTransition(domain.Phase) {}
func (NopMetrics) QuotaWarning() {}
func (NopMetrics) QuotaKick() {}
func (NopMetrics) SignalRelayed() {}
func (NopMetrics) ActiveTimers(int) {}
func (NopMetrics) ActiveQuotaTrackers(int) {}
func (NopMetrics) Connections(int) {}
