package services

import (
	"testing"
	"time"

	"studyroom/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer_PomodoroCycle(t *testing.T) {
	f := newFixture(t)
	const room = domain.RoomID("r1")

	state, created := f.timers.Ensure(room, domain.ModePomodoro25_5)
	require.True(t, created)
	assert.Equal(t, domain.PhaseFocus, state.Phase)
	assert.Equal(t, 25*time.Minute, state.Duration)

	f.clock.Advance(25*time.Minute - time.Second)
	state, _ = f.timers.State(room)
	assert.Equal(t, domain.PhaseFocus, state.Phase)

	f.clock.Advance(time.Second)
	state, _ = f.timers.State(room)
	assert.Equal(t, domain.PhaseBreak, state.Phase)
	assert.Equal(t, 5*time.Minute, state.Duration)
	assert.True(t, state.StartedAt.Equal(t0.Add(25*time.Minute)))

	f.clock.Advance(5 * time.Minute)
	state, _ = f.timers.State(room)
	assert.Equal(t, domain.PhaseFocus, state.Phase)
	assert.True(t, state.StartedAt.Equal(t0.Add(30*time.Minute)))

	updates := f.bc.roomBroadcasts(room, domain.EventTimerUpdate)
	require.Len(t, updates, 3)
	last := updates[2].Payload.(TimerPayload)
	assert.Equal(t, domain.PhaseFocus, last.Status)
	assert.Equal(t, 25, last.Duration)
	assert.Equal(t, t0.Add(30*time.Minute).UnixMilli(), last.StartTime)

	// every transition is also announced in chat
	assert.Len(t, f.bc.roomBroadcasts(room, domain.EventChatMessage), 3)
}

func TestTimer_EnsureDoesNotRestart(t *testing.T) {
	f := newFixture(t)
	const room = domain.RoomID("r1")

	f.timers.Ensure(room, domain.ModePomodoro50_10)
	f.clock.Advance(10 * time.Minute)

	state, created := f.timers.Ensure(room, domain.ModePomodoro25_5)
	assert.False(t, created)
	assert.Equal(t, domain.ModePomodoro50_10, state.Mode)
	assert.True(t, state.StartedAt.Equal(t0))
	assert.Len(t, f.bc.roomBroadcasts(room, domain.EventTimerUpdate), 1)
}

func TestTimer_StopCancelsPendingTransition(t *testing.T) {
	f := newFixture(t)
	const room = domain.RoomID("r1")

	f.timers.Ensure(room, domain.ModePomodoro25_5)
	f.clock.Advance(5 * time.Minute)

	state, ok := f.timers.Stop(room)
	require.True(t, ok)
	assert.Equal(t, domain.PhaseIdle, state.Phase)

	f.clock.Advance(time.Hour)
	state, _ = f.timers.State(room)
	assert.Equal(t, domain.PhaseIdle, state.Phase)
	assert.Zero(t, f.clock.Pending())

	// start restarts FOCUS with the existing mode
	state = f.timers.Start(room, domain.ModePomodoro90_15)
	assert.Equal(t, domain.PhaseFocus, state.Phase)
	assert.Equal(t, domain.ModePomodoro25_5, state.Mode)
}

func TestTimer_ChangeMode(t *testing.T) {
	f := newFixture(t)
	const room = domain.RoomID("r1")

	f.timers.Ensure(room, domain.ModePomodoro25_5)
	f.clock.Advance(20 * time.Minute)

	state := f.timers.ChangeMode(room, domain.ModePomodoro45_5)
	assert.Equal(t, domain.PhaseFocus, state.Phase)
	assert.Equal(t, 45*time.Minute, state.Duration)
	assert.True(t, state.StartedAt.Equal(t0.Add(20*time.Minute)))

	// the old 25 minute deadline must not fire
	f.clock.Advance(10 * time.Minute)
	state, _ = f.timers.State(room)
	assert.Equal(t, domain.PhaseFocus, state.Phase)

	state = f.timers.ChangeMode(room, domain.ModeCountUp)
	assert.Equal(t, domain.DefaultTimerMode, state.Mode, "non pomodoro modes fall back to the default")

	state = f.timers.ChangeMode(room, "BOGUS")
	assert.Equal(t, domain.DefaultTimerMode, state.Mode)
}

func TestTimer_CountUpNeverTransitions(t *testing.T) {
	f := newFixture(t)
	const room = domain.RoomID("r1")

	state, _ := f.timers.Ensure(room, domain.ModeCountUp)
	assert.Equal(t, domain.PhaseFocus, state.Phase)
	assert.Zero(t, state.Duration)
	assert.Zero(t, f.clock.Pending())

	f.clock.Advance(3 * time.Hour)
	state, _ = f.timers.State(room)
	assert.Equal(t, domain.PhaseFocus, state.Phase)
}

func TestTimer_RemoveDropsState(t *testing.T) {
	f := newFixture(t)

	f.timers.Ensure("r1", domain.ModePomodoro25_5)
	f.timers.Ensure("r2", domain.ModePomodoro25_5)
	assert.Equal(t, 2, f.timers.Count())

	f.timers.Remove("r1")
	assert.Equal(t, 1, f.timers.Count())
	_, ok := f.timers.State("r1")
	assert.False(t, ok)

	f.clock.Advance(25 * time.Minute)
	assert.Len(t, f.bc.roomBroadcasts("r1", domain.EventTimerUpdate), 1)
	assert.Len(t, f.bc.roomBroadcasts("r2", domain.EventTimerUpdate), 2)
}
