// Package circuitbreaker stops calling a failing dependency for a cool-down
// period. It guards outbound notification delivery and catalog metadata
// lookups.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after more than maxFailures failures within window.
// Once timeout has passed since the last failure a single trial call is let
// through; its outcome closes or re-opens the breaker.
type CircuitBreaker struct {
	maxFailures     int
	window          time.Duration
	failures        []time.Time
	timeout         time.Duration
	lastFailureTime time.Time
	state           State
	trialInFlight   bool
	now             func() time.Time
	mu              sync.Mutex
}

func NewCircuitBreaker(maxFailures int, timeout time.Duration) *CircuitBreaker {
	return NewCircuitBreakerWithWindow(maxFailures, timeout, 60*time.Second)
}

func NewCircuitBreakerWithWindow(maxFailures int, timeout time.Duration, window time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures: maxFailures,
		window:      window,
		timeout:     timeout,
		state:       StateClosed,
		failures:    make([]time.Time, 0),
		now:         time.Now,
	}
}

// WithClock replaces the clock used for the window and timeout.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	return cb
}

// Execute runs fn unless the breaker is open, in which case fallback runs
// instead (or ErrOpen is returned when fallback is nil). fn runs without the
// lock held.
func (cb *CircuitBreaker) Execute(fn func() error, fallback func() error) error {
	ok, trial := cb.allow()
	if !ok {
		if fallback != nil {
			return fallback()
		}
		return ErrOpen
	}

	err := fn()
	cb.record(err, trial)
	return err
}

// allow reports whether a call may run and whether it is the half-open trial.
// Only the trial's outcome may close or re-open a half-open breaker.
func (cb *CircuitBreaker) allow() (ok, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.timeout {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.failures = cb.failures[:0]
		cb.trialInFlight = true
		return true, true
	case StateHalfOpen:
		if cb.trialInFlight {
			return false, false
		}
		cb.trialInFlight = true
		return true, true
	default:
		return true, false
	}
}

func (cb *CircuitBreaker) record(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if trial {
		cb.trialInFlight = false
		if err != nil {
			cb.lastFailureTime = now
			cb.state = StateOpen
			return
		}
		cb.state = StateClosed
		cb.failures = cb.failures[:0]
		return
	}

	// A call admitted while closed may finish after the breaker has moved on.
	if cb.state != StateClosed {
		return
	}
	cb.cleanOldFailures(now)
	if err != nil {
		cb.lastFailureTime = now
		cb.failures = append(cb.failures, now)
		if len(cb.failures) > cb.maxFailures {
			cb.state = StateOpen
		}
	}
}

func (cb *CircuitBreaker) cleanOldFailures(now time.Time) {
	cutoff := now.Add(-cb.window)
	keep := len(cb.failures)
	for i, f := range cb.failures {
		if f.After(cutoff) {
			keep = i
			break
		}
	}
	cb.failures = cb.failures[keep:]
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
