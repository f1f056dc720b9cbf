package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"studyroom/pkg/clock"
)

var errDown = errors.New("redis down")

func fail() error { return errDown }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	cb := New(Config{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: 10 * time.Second}, clk)

	for i := 0; i < 3; i++ {
		if err := cb.Execute(fail); !errors.Is(err, errDown) {
			t.Fatalf("call %d: err = %v, want the underlying error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("open breaker let the call through (err=%v, called=%v)", err, called)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{FailureThreshold: 2, Cooldown: time.Second}, clock.NewVirtual(time.Unix(0, 0)))

	cb.Execute(fail)
	cb.Execute(succeed)
	cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	clk := clock.NewVirtual(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 10 * time.Second}, clk)

	var transitions []string
	cb.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	cb.Execute(fail)
	clk.Advance(5 * time.Second)
	if err := cb.Execute(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("still cooling down, err = %v", err)
	}

	// failed trial reopens and restarts the cool-down
	clk.Advance(5 * time.Second)
	cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %s after failed trial", cb.State())
	}
	clk.Advance(9 * time.Second)
	if err := cb.Execute(succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("cool-down not restarted, err = %v", err)
	}

	clk.Advance(time.Second)
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}

	want := []string{"closed->open", "open->half-open", "half-open->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_SingleTrialWhileHalfOpen(t *testing.T) {
	clk := clock.NewVirtual(time.Unix(0, 0))
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second}, clk)
	cb.Execute(fail)
	clk.Advance(time.Second)

	err := cb.Execute(func() error {
		if inner := cb.Execute(succeed); !errors.Is(inner, ErrOpen) {
			t.Errorf("second trial allowed: %v", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("trial: %v", err)
	}
}
