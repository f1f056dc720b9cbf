package distributed

import (
	"context"
	"fmt"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
)

const studyProgressType = "STUDY_PROGRESS"

// ProgressPublisher hands finished study sessions to the badge scorer, which
// runs outside this server and listens on the notification channel. It
// publishes the user's running totals; scoring happens on the other side.
type ProgressPublisher struct {
	users    ports.UserRepository
	notifier ports.Notifier
}

func NewProgressPublisher(users ports.UserRepository, notifier ports.Notifier) *ProgressPublisher {
	return &ProgressPublisher{users: users, notifier: notifier}
}

func (p *ProgressPublisher) Evaluate(ctx context.Context, userID domain.UserID) error {
	u, err := p.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	return p.notifier.Notify(ctx, userID, ports.Notification{
		Type:  studyProgressType,
		Title: "Study session recorded",
		Data: map[string]interface{}{
			"totalStudyMinutes": u.TotalStudyMinutes,
			"todayMinutes":      u.TodayRoomMinutes,
			"currentStreak":     u.CurrentStreak,
			"longestStreak":     u.LongestStreak,
		},
	})
}
