package domain

import "time"

type TimerMode string

const (
	ModePomodoro25_5  TimerMode = "POMODORO_25_5"
	ModePomodoro45_5  TimerMode = "POMODORO_45_5"
	ModePomodoro50_10 TimerMode = "POMODORO_50_10"
	ModePomodoro90_15 TimerMode = "POMODORO_90_15"
	ModeCountUp       TimerMode = "COUNT_UP"

	DefaultTimerMode = ModePomodoro25_5
)

// ModeDurations holds the phase lengths of a timer mode in minutes.
// COUNT_UP has zero for both and never transitions on its own.
type ModeDurations struct {
	Focus int
	Break int
}

var timerModes = map[TimerMode]ModeDurations{
	ModePomodoro25_5:  {Focus: 25, Break: 5},
	ModePomodoro45_5:  {Focus: 45, Break: 5},
	ModePomodoro50_10: {Focus: 50, Break: 10},
	ModePomodoro90_15: {Focus: 90, Break: 15},
	ModeCountUp:       {Focus: 0, Break: 0},
}

func (m TimerMode) Durations() (ModeDurations, bool) {
	d, ok := timerModes[m]
	return d, ok
}

func (m TimerMode) Valid() bool {
	_, ok := timerModes[m]
	return ok
}

func (m TimerMode) IsPomodoro() bool {
	return m.Valid() && m != ModeCountUp
}

type Phase string

const (
	PhaseIdle  Phase = "IDLE"
	PhaseFocus Phase = "FOCUS"
	PhaseBreak Phase = "BREAK"
)

// TimerState is the shared timer of a room. Duration is zero for IDLE and
// for COUNT_UP focus.
type TimerState struct {
	RoomID    RoomID
	Phase     Phase
	StartedAt time.Time
	Duration  time.Duration
	Mode      TimerMode
}

// EndsAt returns the scheduled end of the current phase and false when the
// phase has no end.
func (s TimerState) EndsAt() (time.Time, bool) {
	if s.Phase == PhaseIdle || s.Duration <= 0 {
		return time.Time{}, false
	}
	return s.StartedAt.Add(s.Duration), true
}
