package services

import (
	"fmt"
	"sync"
	"time"

	"studyroom/internal/core/domain"
	"studyroom/internal/core/ports"
	"studyroom/pkg/clock"
	"studyroom/pkg/utils"

	"go.uber.org/zap"
)

// TimerPayload is the wire form of a room timer.
type TimerPayload struct {
	RoomID     domain.RoomID    `json:"roomId"`
	Status     domain.Phase     `json:"status"`
	StartTime  int64            `json:"startTime"` // unix ms
	Duration   int              `json:"duration"`  // minutes
	Mode       domain.TimerMode `json:"mode"`
	ServerTime int64            `json:"serverTime"`
}

func NewTimerPayload(state domain.TimerState, now time.Time) TimerPayload {
	return TimerPayload{
		RoomID:     state.RoomID,
		Status:     state.Phase,
		StartTime:  state.StartedAt.UnixMilli(),
		Duration:   int(state.Duration / time.Minute),
		Mode:       state.Mode,
		ServerTime: now.UnixMilli(),
	}
}

type roomTimer struct {
	state      domain.TimerState
	handle     clock.Handle
	generation uint64
}

// TimerService keeps one FOCUS/BREAK state machine per active room. Phase
// ends are clock callbacks at absolute deadlines; a callback whose
// generation no longer matches the timer is ignored.
type TimerService struct {
	clock       clock.Clock
	broadcaster ports.Broadcaster
	metrics     ports.MetricsRecorder
	logger      *zap.SugaredLogger

	mu     sync.Mutex
	timers map[domain.RoomID]*roomTimer
}

func NewTimerService(
	clk clock.Clock,
	broadcaster ports.Broadcaster,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *TimerService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &TimerService{
		clock:       clk,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
		timers:      make(map[domain.RoomID]*roomTimer),
	}
}

// Ensure returns the room's running timer. A room with no timer, or one
// left IDLE by a stop, starts FOCUS in mode. created is true when this call
// started it.
func (s *TimerService) Ensure(roomID domain.RoomID, mode domain.TimerMode) (domain.TimerState, bool) {
	s.mu.Lock()
	t, ok := s.timers[roomID]
	if ok && t.state.Phase != domain.PhaseIdle {
		state := t.state
		s.mu.Unlock()
		return state, false
	}

	if !ok {
		t = &roomTimer{}
		s.timers[roomID] = t
	}
	state := s.startPhaseLocked(roomID, t, domain.PhaseFocus, validOrDefault(mode), s.clock.Now())
	count := len(s.timers)
	s.mu.Unlock()

	s.metrics.ActiveTimers(count)
	s.announce(state, "")
	return state, true
}

// Start restarts FOCUS with the timer's current mode, or with mode when the
// room has no timer.
func (s *TimerService) Start(roomID domain.RoomID, mode domain.TimerMode) domain.TimerState {
	s.mu.Lock()
	t, ok := s.timers[roomID]
	if !ok {
		t = &roomTimer{}
		s.timers[roomID] = t
	} else {
		mode = t.state.Mode
	}
	state := s.startPhaseLocked(roomID, t, domain.PhaseFocus, validOrDefault(mode), s.clock.Now())
	count := len(s.timers)
	s.mu.Unlock()

	s.metrics.ActiveTimers(count)
	s.announce(state, "")
	return state
}

// Stop cancels the pending phase end and puts the timer in IDLE.
func (s *TimerService) Stop(roomID domain.RoomID) (domain.TimerState, bool) {
	s.mu.Lock()
	t, ok := s.timers[roomID]
	if !ok {
		s.mu.Unlock()
		return domain.TimerState{}, false
	}
	state := s.startPhaseLocked(roomID, t, domain.PhaseIdle, t.state.Mode, s.clock.Now())
	s.mu.Unlock()

	s.announce(state, "")
	return state, true
}

// ChangeMode switches the room to a Pomodoro mode and restarts FOCUS with
// the new durations. Anything that is not a Pomodoro mode falls back to
// POMODORO_25_5. The returned mode is the one applied.
func (s *TimerService) ChangeMode(roomID domain.RoomID, mode domain.TimerMode) domain.TimerState {
	if !mode.IsPomodoro() {
		s.logger.Infow("unsupported timer mode, using default", "room_id", roomID, "requested_mode", mode)
		mode = domain.DefaultTimerMode
	}

	s.mu.Lock()
	t, ok := s.timers[roomID]
	if !ok {
		t = &roomTimer{}
		s.timers[roomID] = t
	}
	state := s.startPhaseLocked(roomID, t, domain.PhaseFocus, mode, s.clock.Now())
	count := len(s.timers)
	s.mu.Unlock()

	s.metrics.ActiveTimers(count)
	s.announce(state, fmt.Sprintf("Timer mode changed to %s", describeMode(mode)))
	return state
}

func (s *TimerService) State(roomID domain.RoomID) (domain.TimerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[roomID]
	if !ok {
		return domain.TimerState{}, false
	}
	return t.state, true
}

// Remove drops the room's timer without announcing anything.
func (s *TimerService) Remove(roomID domain.RoomID) {
	s.mu.Lock()
	t, ok := s.timers[roomID]
	if ok {
		if t.handle != nil {
			t.handle.Stop()
		}
		t.generation++
		delete(s.timers, roomID)
	}
	count := len(s.timers)
	s.mu.Unlock()

	if ok {
		s.metrics.ActiveTimers(count)
		s.logger.Debugw("room timer removed", "room_id", roomID)
	}
}

func (s *TimerService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *TimerService) startPhaseLocked(roomID domain.RoomID, t *roomTimer, phase domain.Phase, mode domain.TimerMode, now time.Time) domain.TimerState {
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
	t.generation++

	durations, _ := mode.Durations()
	var d time.Duration
	switch phase {
	case domain.PhaseFocus:
		d = time.Duration(durations.Focus) * time.Minute
	case domain.PhaseBreak:
		d = time.Duration(durations.Break) * time.Minute
	}

	t.state = domain.TimerState{
		RoomID:    roomID,
		Phase:     phase,
		StartedAt: now,
		Duration:  d,
		Mode:      mode,
	}

	if end, ok := t.state.EndsAt(); ok {
		gen := t.generation
		t.handle = s.clock.AfterFunc(end, func() { s.onPhaseEnd(roomID, gen) })
	}

	s.metrics.TimerTransition(phase)
	return t.state
}

func (s *TimerService) onPhaseEnd(roomID domain.RoomID, gen uint64) {
	s.mu.Lock()
	t, ok := s.timers[roomID]
	if !ok || t.generation != gen {
		s.mu.Unlock()
		return
	}

	next := domain.PhaseBreak
	if t.state.Phase == domain.PhaseBreak {
		next = domain.PhaseFocus
	}
	// the next phase starts at the scheduled end, not when the callback ran
	end, _ := t.state.EndsAt()
	state := s.startPhaseLocked(roomID, t, next, t.state.Mode, end)
	s.mu.Unlock()

	s.announce(state, "")
}

func (s *TimerService) announce(state domain.TimerState, notice string) {
	now := s.clock.Now()
	s.broadcaster.BroadcastToRoom(state.RoomID, domain.EventTimerUpdate, NewTimerPayload(state, now))

	if notice == "" {
		notice = phaseNotice(state)
	}
	s.broadcaster.BroadcastToRoom(state.RoomID, domain.EventChatMessage, SystemMessage(state.RoomID, notice, now))

	s.logger.Infow("timer phase started",
		"room_id", state.RoomID,
		"phase", state.Phase,
		"mode", state.Mode,
		"duration", state.Duration,
	)
}

// SystemMessage builds a chat message authored by the server.
func SystemMessage(roomID domain.RoomID, content string, now time.Time) *domain.Message {
	return &domain.Message{
		ID:        domain.MessageID(utils.NewMessageID()),
		RoomID:    roomID,
		Content:   content,
		Type:      domain.MessageSystem,
		CreatedAt: now,
	}
}

func phaseNotice(state domain.TimerState) string {
	switch state.Phase {
	case domain.PhaseFocus:
		if state.Duration == 0 {
			return "Count-up timer started. Focus!"
		}
		return fmt.Sprintf("Focus time! %d minutes", int(state.Duration/time.Minute))
	case domain.PhaseBreak:
		return fmt.Sprintf("Break time! %d minutes", int(state.Duration/time.Minute))
	default:
		return "Timer stopped"
	}
}

func describeMode(mode domain.TimerMode) string {
	d, ok := mode.Durations()
	if !ok || mode == domain.ModeCountUp {
		return string(mode)
	}
	return fmt.Sprintf("%d/%d", d.Focus, d.Break)
}

func validOrDefault(mode domain.TimerMode) domain.TimerMode {
	if mode.Valid() {
		return mode
	}
	return domain.DefaultTimerMode
}
