package resilience

import (
	"errors"
	"testing"
	"time"
)

var (
	errUnavailable = errors.New("store unavailable")
	errMissing     = errors.New("recording missing")
)

func newTestBreaker(maxFailures int) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker(maxFailures, time.Second)
	b.now = func() time.Time { return now }
	return b, &now
}

func trip(b *Breaker, n int) {
	for range n {
		_ = b.Execute(func() error { return errUnavailable })
	}
}

func TestBreakerClosedRunsCalls(t *testing.T) {
	b, _ := newTestBreaker(3)
	called := false
	if err := b.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestBreakerReturnsCallError(t *testing.T) {
	b, _ := newTestBreaker(3)
	if err := b.Execute(func() error { return errUnavailable }); !errors.Is(err, errUnavailable) {
		t.Fatalf("expected call error, got %v", err)
	}
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(3)
	trip(b, 3)

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("open breaker must not run fn")
	}
}

func TestBreakerProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe error
		want  string
	}{
		{"success closes", nil, StateClosed},
		{"failure reopens", errUnavailable, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, now := newTestBreaker(2)
			trip(b, 2)
			if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
				t.Fatalf("expected ErrCircuitOpen before timeout, got %v", err)
			}

			*now = now.Add(2 * time.Second)
			called := false
			_ = b.Execute(func() error { called = true; return tt.probe })
			if !called {
				t.Fatal("probe was not run")
			}
			if got := b.State(); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	trip(b, 2)
	_ = b.Execute(func() error { return nil })
	trip(b, 2)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestBreakerNeutralErrors(t *testing.T) {
	b, now := newTestBreaker(1)
	b.SetNeutral(func(err error) bool { return errors.Is(err, errMissing) })

	for range 3 {
		if err := b.Execute(func() error { return errMissing }); !errors.Is(err, errMissing) {
			t.Fatalf("neutral error not returned: %v", err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("neutral errors tripped the breaker: %s", got)
	}

	trip(b, 1)
	*now = now.Add(2 * time.Second)
	_ = b.Execute(func() error { return errMissing })
	if got := b.State(); got != StateClosed {
		t.Errorf("neutral probe should close the circuit, got %s", got)
	}
}

func TestBreakerStateChangeHook(t *testing.T) {
	b, now := newTestBreaker(1)
	var transitions []string
	b.OnStateChange(func(from, to string) { transitions = append(transitions, from+">"+to) })

	trip(b, 1)
	trip(b, 1) // rejected, no transition
	*now = now.Add(2 * time.Second)
	_ = b.Execute(func() error { return nil })

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestNewBreakerClampsMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(0)
	trip(b, 1)
	if got := b.State(); got != StateOpen {
		t.Errorf("state = %s, want open", got)
	}
}
