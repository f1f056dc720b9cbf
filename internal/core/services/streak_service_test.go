package services

import (
	"testing"
	"time"

	"studyroom/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func seedStreak(t *testing.T, f *fixture, id domain.UserID, streak int, last time.Time) {
	t.Helper()
	require.NoError(t, f.users.Create(f.ctx, &domain.User{
		ID:            id,
		CurrentStreak: streak,
		LongestStreak: streak,
		LastStudyDate: &last,
	}))
}

func TestStreak_ResetStale(t *testing.T) {
	f := newFixture(t)
	seedStreak(t, f, "today", 3, t0.Add(-time.Hour))
	seedStreak(t, f, "yesterday", 5, t0.AddDate(0, 0, -1))
	seedStreak(t, f, "lapsed", 7, t0.AddDate(0, 0, -2))

	streaks := NewStreakService(f.users, f.clock, zaptest.NewLogger(t).Sugar())
	n, err := streaks.ResetStale(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 3, f.user(t, "today").CurrentStreak)
	assert.Equal(t, 5, f.user(t, "yesterday").CurrentStreak)
	assert.Zero(t, f.user(t, "lapsed").CurrentStreak)
	assert.Equal(t, 7, f.user(t, "lapsed").LongestStreak)
}

func TestStreak_RunsAtMidnight(t *testing.T) {
	f := newFixture(t)
	seedStreak(t, f, "alice", 4, t0.AddDate(0, 0, -1))
	seedStreak(t, f, "bob", 2, t0)

	streaks := NewStreakService(f.users, f.clock, zaptest.NewLogger(t).Sugar())
	streaks.Start()
	defer streaks.Stop()

	f.clock.AdvanceTo(StartOfDay(t0).AddDate(0, 0, 1))
	assert.Zero(t, f.user(t, "alice").CurrentStreak, "alice skipped a whole day")
	assert.Equal(t, 2, f.user(t, "bob").CurrentStreak)

	f.clock.AdvanceTo(StartOfDay(t0).AddDate(0, 0, 2))
	assert.Zero(t, f.user(t, "bob").CurrentStreak)
	assert.Equal(t, 1, f.clock.Pending(), "the next midnight run is scheduled")
}

func TestStreak_MidnightRunNeedsLease(t *testing.T) {
	f := newFixture(t)
	seedStreak(t, f, "alice", 4, t0.AddDate(0, 0, -1))

	leaser := &fakeLeaser{}
	streaks := NewStreakService(f.users, f.clock, zaptest.NewLogger(t).Sugar())
	streaks.UseLeaser(leaser)
	streaks.Start()
	defer streaks.Stop()

	f.clock.AdvanceTo(StartOfDay(t0).AddDate(0, 0, 1))
	assert.Equal(t, 4, f.user(t, "alice").CurrentStreak)
	assert.Equal(t, []string{streakLeaseName}, leaser.asked)

	leaser.setGrant(true)
	f.clock.AdvanceTo(StartOfDay(t0).AddDate(0, 0, 2))
	assert.Zero(t, f.user(t, "alice").CurrentStreak)
}

func TestStreak_LeaveRecordsStudyDay(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "alice", domain.TierMonthly, "")
	room := f.systemRoom(t, domain.RoomSilent, 0)

	u := f.user(t, "alice")
	yesterday := t0.AddDate(0, 0, -1)
	u.CurrentStreak = 2
	u.LongestStreak = 2
	u.LastStudyDate = &yesterday
	require.NoError(t, f.users.Update(f.ctx, u))

	_, err := f.membership.Join(f.ctx, room.ID, "alice", "")
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	_, err = f.membership.Leave(f.ctx, room.ID, "alice")
	require.NoError(t, err)

	u = f.user(t, "alice")
	assert.Equal(t, 3, u.CurrentStreak)
	assert.Equal(t, 3, u.LongestStreak)
}
