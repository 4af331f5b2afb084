package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the state of a data source circuit breaker.
type BreakerState int

const (
	// BreakerClosed is the normal state, calls flow through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls immediately after repeated failures.
	BreakerOpen
	// BreakerHalfOpen lets a single probe through to test recovery.
	BreakerHalfOpen
)

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

// ErrBreakerOpen is returned when a call is rejected without being attempted.
// Callers treat it as KindUnreachable.
var ErrBreakerOpen = Tag(KindUnreachable, eris.New("data source circuit open"))

// Breaker guards one data source. Consecutive unreachable or transient
// failures open the circuit; while open, executions fail fast instead of
// piling timeouts onto a dead source.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration

	mu              sync.Mutex
	state           BreakerState
	failures        int
	lastFailureTime time.Time
}

// NewBreaker creates a Breaker that opens after threshold consecutive
// failures and probes again after resetTimeout.
func NewBreaker(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{threshold: threshold, resetTimeout: resetTimeout}
}

// Allow reports whether a call may proceed, transitioning open circuits to
// half-open once the reset timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	case BreakerOpen:
		if time.Since(b.lastFailureTime) >= b.resetTimeout {
			b.state = BreakerHalfOpen
			return nil
		}
		return ErrBreakerOpen
	}
	return nil
}

// Record updates the breaker with a call outcome. Only unreachable and
// transient failures count toward opening; data errors leave it closed.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.state = BreakerClosed
		return
	}

	switch Classify(err) {
	case KindUnreachable, KindTransient:
		b.failures++
		b.lastFailureTime = time.Now()
		if b.state == BreakerHalfOpen || b.failures >= b.threshold {
			b.state = BreakerOpen
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
