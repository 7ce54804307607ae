// Package resilience guards calls to storage backends.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker states as reported by State and passed to state-change hooks.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Breaker opens after maxFailures consecutive failures and rejects calls
// until timeout has elapsed. The first call after that probes the backend:
// success closes the circuit, failure reopens it.
type Breaker struct {
	mu          sync.Mutex
	state       string
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	now         func() time.Time

	neutral  func(error) bool
	onChange func(from, to string)
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// SetNeutral marks errors that are returned to the caller without counting
// as a failure or a success, such as a lookup of a missing key.
func (b *Breaker) SetNeutral(fn func(error) bool) {
	b.mu.Lock()
	b.neutral = fn
	b.mu.Unlock()
}

// OnStateChange registers fn to run after every transition. fn runs without
// the breaker lock held.
func (b *Breaker) OnStateChange(fn func(from, to string)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	from := b.state
	switch {
	case err == nil:
		b.failures = 0
		b.state = StateClosed
	case b.neutral != nil && b.neutral(err):
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.failures = 0
		}
	default:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
	to, hook := b.state, b.onChange
	b.mu.Unlock()

	if hook != nil && from != to {
		hook(from, to)
	}
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return true
	}
	if b.now().Sub(b.openedAt) < b.timeout {
		b.mu.Unlock()
		return false
	}
	b.state = StateHalfOpen
	hook := b.onChange
	b.mu.Unlock()

	if hook != nil {
		hook(StateOpen, StateHalfOpen)
	}
	return true
}

// State returns StateClosed, StateOpen or StateHalfOpen. An open breaker
// whose timeout has elapsed still reports open until the next call probes it.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
