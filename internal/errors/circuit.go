package errors

import (
	"fmt"
	"sync"
	"time"
)

// Breaker states.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails fast until the reset timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets one probe call through after the timeout.
	BreakerHalfOpen
)

// String returns the string representation of a BreakerState.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	// DefaultBreakerFailures is the consecutive-failure threshold.
	DefaultBreakerFailures = 5

	// DefaultBreakerReset is how long an open breaker waits before
	// letting a probe through.
	DefaultBreakerReset = 30 * time.Second
)

// Breaker is a circuit breaker over an external dependency. When the
// dependency returns trip-class failures back to back, the breaker
// opens and calls fail fast instead of each burning a full retry
// budget. After the reset timeout one probe is allowed; its outcome
// closes or re-opens the circuit. Safe for concurrent use.
//
// Only infrastructure failures trip it: timeouts and unavailability.
// Rate limiting is throttling, not an outage, and per-call rejections
// say nothing about the dependency as a whole.
type Breaker struct {
	name        string
	maxFailures int
	resetAfter  time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates a breaker named after the dependency it guards.
// Non-positive arguments take the defaults.
func NewBreaker(name string, maxFailures int, resetAfter time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = DefaultBreakerFailures
	}
	if resetAfter <= 0 {
		resetAfter = DefaultBreakerReset
	}
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		resetAfter:  resetAfter,
		state:       BreakerClosed,
	}
}

// State returns the current state, promoting an expired open circuit
// to half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && time.Since(b.lastFailure) > b.resetAfter {
		return BreakerHalfOpen
	}
	return b.state
}

// Do runs fn through the breaker. While open it returns a
// non-retryable coded error without calling fn; when half-open it
// admits a single probe at a time.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.stateLocked() {
	case BreakerOpen:
		b.mu.Unlock()
		return b.openError()
	case BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return b.openError()
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil {
		b.failures = 0
		b.state = BreakerClosed
		return nil
	}
	if !tripsBreaker(err) {
		return err
	}
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.maxFailures {
		b.state = BreakerOpen
	}
	return err
}

// openError is deliberately non-retryable: the whole point of the open
// state is that the caller's retry loop must not spin on it.
func (b *Breaker) openError() *RagError {
	e := New(ErrCodeProviderUnavailable,
		fmt.Sprintf("%s circuit open after %d consecutive failures", b.name, b.maxFailures), nil)
	e.Retryable = false
	return e.WithDetail("circuit", b.name).
		WithSuggestion("wait for the provider to recover, then retry the failed files")
}

// IsCircuitOpen reports whether err is a breaker fail-fast rejection.
func IsCircuitOpen(err error) bool {
	if re, ok := err.(*RagError); ok {
		return re.Details["circuit"] != ""
	}
	return false
}

// tripsBreaker classifies infrastructure failures. Everything else is
// a per-call outcome and leaves the circuit alone.
func tripsBreaker(err error) bool {
	switch GetCode(err) {
	case ErrCodeNetworkTimeout, ErrCodeProviderUnavailable, ErrCodeIndexUnreachable:
		return true
	}
	return false
}
