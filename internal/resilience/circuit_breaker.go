// SPDX-License-Identifier: MIT

// Package resilience implements the circuit breaker guarding admission of
// non-critical work after sustained failures.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/tiktok-toe/governor/internal/metrics"
	"github.com/tiktok-toe/governor/internal/sched"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen fast-rejects work while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	// Name labels metrics.
	Name string
	// Window is the sliding interval over which the error rate is computed.
	Window time.Duration
	// MinAttempts gates tripping: below this sample count the breaker stays
	// closed no matter the rate.
	MinAttempts int
	// FailureRate (0–1) opens the breaker when exceeded.
	FailureRate float64
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// Clock is injectable for tests.
	Clock sched.Clock
}

type outcome struct {
	at     time.Time
	failed bool
}

// CircuitBreaker is a Closed/Open/HalfOpen state machine keyed on the
// failure rate inside a sliding window.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	events   []outcome
	openedAt time.Time
}

// New creates a circuit breaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MinAttempts <= 0 {
		cfg.MinAttempts = 5
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.RealClock{}
	}
	cb := &CircuitBreaker{cfg: cfg, state: StateClosed}
	metrics.SetCircuitBreakerState(cfg.Name, string(StateClosed))
	return cb
}

// Allow reports whether a request may proceed. An open breaker transitions
// to half-open once the cooldown has elapsed, letting a probe through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	default: // StateOpen
		if cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
			cb.transitionTo(StateHalfOpen)
			return true
		}
		return false
	}
}

// RecordSuccess registers a successful attempt. A half-open probe success
// closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.record(false)
	if cb.state == StateHalfOpen {
		cb.events = nil
		cb.transitionTo(StateClosed)
	}
}

// RecordFailure registers a failed attempt and trips the breaker when the
// windowed failure rate exceeds the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.record(true)

	if cb.state == StateHalfOpen {
		metrics.RecordCircuitBreakerTrip(cb.cfg.Name, "half_open_failure")
		cb.transitionTo(StateOpen)
		return
	}
	if cb.state != StateClosed {
		return
	}

	attempts, failures := cb.counts()
	if attempts < cb.cfg.MinAttempts {
		return
	}
	if float64(failures)/float64(attempts) > cb.cfg.FailureRate {
		metrics.RecordCircuitBreakerTrip(cb.cfg.Name, "failure_rate_exceeded")
		cb.transitionTo(StateOpen)
	}
}

// Trip forces the breaker open, used by the governor's emergency path.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		metrics.RecordCircuitBreakerTrip(cb.cfg.Name, reason)
		cb.transitionTo(StateOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureRate returns the current windowed failure ratio and sample count.
func (cb *CircuitBreaker) FailureRate() (rate float64, attempts int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	attempts, failures := cb.counts()
	if attempts == 0 {
		return 0, 0
	}
	return float64(failures) / float64(attempts), attempts
}

// record appends an outcome and prunes events outside the window.
// Caller must hold the lock.
func (cb *CircuitBreaker) record(failed bool) {
	now := cb.cfg.Clock.Now()
	cb.events = append(cb.events, outcome{at: now, failed: failed})

	cutoff := now.Add(-cb.cfg.Window)
	idx := 0
	for idx < len(cb.events) && cb.events[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		cb.events = append(cb.events[:0], cb.events[idx:]...)
	}
}

func (cb *CircuitBreaker) counts() (attempts, failures int) {
	for _, e := range cb.events {
		attempts++
		if e.failed {
			failures++
		}
	}
	return attempts, failures
}

// transitionTo swaps states and updates metrics. Caller must hold the lock.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	if newState == StateOpen {
		cb.openedAt = cb.cfg.Clock.Now()
	}
	metrics.SetCircuitBreakerState(cb.cfg.Name, string(newState))
}
