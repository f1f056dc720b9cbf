// Package clock schedules callbacks at absolute instants so that timer and
// quota logic can be driven either by wall time or by a test-controlled
// virtual clock.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Handle cancels a scheduled callback. Stop reports whether the call
// prevented the callback from running.
type Handle interface {
	Stop() bool
}

// Clock is the only time source the services use.
type Clock interface {
	Now() time.Time
	AfterFunc(at time.Time, fn func()) Handle
}

// Real is backed by the runtime timers.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(at time.Time, fn func()) Handle {
	return time.AfterFunc(time.Until(at), fn)
}

// Virtual only moves when told to. Due callbacks run synchronously inside
// Advance/AdvanceTo, in deadline order, with Now() equal to their deadline.
type Virtual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers map[uint64]*virtualTimer
}

type virtualTimer struct {
	v  *Virtual
	id uint64
	at time.Time
	fn func()
}

func (t *virtualTimer) Stop() bool {
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	if _, ok := t.v.timers[t.id]; !ok {
		return false
	}
	delete(t.v.timers, t.id)
	return true
}

func NewVirtual(start time.Time) *Virtual {
	return &Virtual{
		now:    start,
		timers: make(map[uint64]*virtualTimer),
	}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) AfterFunc(at time.Time, fn func()) Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	t := &virtualTimer{v: v, id: v.seq, at: at, fn: fn}
	v.timers[t.id] = t
	return t
}

// Advance moves the clock forward by d, firing everything that falls due.
func (v *Virtual) Advance(d time.Duration) {
	v.AdvanceTo(v.Now().Add(d))
}

// AdvanceTo moves the clock to target. Callbacks scheduled by other
// callbacks are fired too if they fall due before target.
func (v *Virtual) AdvanceTo(target time.Time) {
	for {
		v.mu.Lock()
		next := v.nextDueLocked(target)
		if next == nil {
			if target.After(v.now) {
				v.now = target
			}
			v.mu.Unlock()
			return
		}
		delete(v.timers, next.id)
		if next.at.After(v.now) {
			v.now = next.at
		}
		v.mu.Unlock()

		next.fn()
	}
}

// Pending returns the number of callbacks still scheduled.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}

func (v *Virtual) nextDueLocked(target time.Time) *virtualTimer {
	due := make([]*virtualTimer, 0, len(v.timers))
	for _, t := range v.timers {
		if !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

// Ticker runs fn every interval until stopped.
type Ticker struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration
	fn       func()
	handle   Handle
	stopped  bool
}

// Every schedules fn at now+interval, now+2*interval, ... Deadlines are
// absolute; a tick that ran late does not shift the following ones unless it
// overran a whole interval. Stop may be called from inside fn.
func Every(c Clock, interval time.Duration, fn func()) *Ticker {
	t := &Ticker{clock: c, interval: interval, fn: fn}
	t.mu.Lock()
	t.scheduleLocked(c.Now().Add(interval))
	t.mu.Unlock()
	return t
}

func (t *Ticker) scheduleLocked(at time.Time) {
	t.handle = t.clock.AfterFunc(at, func() { t.fire(at) })
}

func (t *Ticker) fire(at time.Time) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	next := at.Add(t.interval)
	if now := t.clock.Now(); !next.After(now) {
		next = now.Add(t.interval)
	}
	t.scheduleLocked(next)
	t.mu.Unlock()

	t.fn()
}

func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.handle != nil {
		t.handle.Stop()
	}
}
