package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestVirtual_FiresInDeadlineOrder(t *testing.T) {
	v := NewVirtual(epoch)
	var order []int
	var seen []time.Time

	v.AfterFunc(epoch.Add(3*time.Minute), func() { order = append(order, 3); seen = append(seen, v.Now()) })
	v.AfterFunc(epoch.Add(1*time.Minute), func() { order = append(order, 1); seen = append(seen, v.Now()) })
	v.AfterFunc(epoch.Add(1*time.Minute), func() { order = append(order, 2); seen = append(seen, v.Now()) })

	v.Advance(2 * time.Minute)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order after 2m = %v, want [1 2]", order)
	}
	if !seen[0].Equal(epoch.Add(time.Minute)) {
		t.Errorf("callback saw Now() = %v, want its deadline", seen[0])
	}
	if !v.Now().Equal(epoch.Add(2 * time.Minute)) {
		t.Errorf("Now() = %v after Advance", v.Now())
	}

	v.Advance(time.Minute)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("order after 3m = %v", order)
	}
	if v.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", v.Pending())
	}
}

func TestVirtual_StopPreventsCallback(t *testing.T) {
	v := NewVirtual(epoch)
	fired := false
	h := v.AfterFunc(epoch.Add(time.Second), func() { fired = true })

	if !h.Stop() {
		t.Fatal("first Stop should report true")
	}
	if h.Stop() {
		t.Error("second Stop should report false")
	}
	v.Advance(time.Minute)
	if fired {
		t.Error("stopped callback fired")
	}
}

func TestVirtual_ChainedCallbacksFireWithinOneAdvance(t *testing.T) {
	v := NewVirtual(epoch)
	count := 0
	var schedule func(at time.Time)
	schedule = func(at time.Time) {
		v.AfterFunc(at, func() {
			count++
			schedule(at.Add(10 * time.Second))
		})
	}
	schedule(epoch.Add(10 * time.Second))

	v.Advance(time.Minute)
	if count != 6 {
		t.Errorf("count = %d, want 6", count)
	}
}

func TestEvery_TicksAndStops(t *testing.T) {
	v := NewVirtual(epoch)
	ticks := 0
	ticker := Every(v, 30*time.Second, func() { ticks++ })

	v.Advance(95 * time.Second)
	if ticks != 3 {
		t.Fatalf("ticks = %d, want 3", ticks)
	}

	ticker.Stop()
	v.Advance(5 * time.Minute)
	if ticks != 3 {
		t.Errorf("ticks after Stop = %d, want 3", ticks)
	}
	if v.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", v.Pending())
	}
}

func TestEvery_StopFromInsideCallback(t *testing.T) {
	v := NewVirtual(epoch)
	ticks := 0
	var ticker *Ticker
	ticker = Every(v, time.Second, func() {
		ticks++
		if ticks == 2 {
			ticker.Stop()
		}
	})

	v.Advance(10 * time.Second)
	if ticks != 2 {
		t.Errorf("ticks = %d, want 2", ticks)
	}
}

func TestReal_AfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real{}.AfterFunc(time.Now().Add(10*time.Millisecond), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real AfterFunc did not fire")
	}
}
