// Package resilience guards calls into external collaborators.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a backend after consecutive failures. [FallbackGroup]
// chains several backends of the same kind, each behind its own breaker, and
// tries them in order. [MediaGuard] and [LLMFallback] apply both to the media
// generators and the director's language model, adding a per-modality call
// timeout for media.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the name of the state.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values get defaults.
type CircuitBreakerConfig struct {
	// Name labels log records and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// Neutral reports errors that count neither as failure nor as success.
	// Default: context cancellation, which the caller caused.
	Neutral func(error) bool

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	now func() time.Time
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	neutral       func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int // probe calls admitted in half-open
	probeWins int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Neutral == nil {
		cfg.Neutral = isCancellation
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		neutral:       cfg.Neutral,
		onStateChange: cfg.OnStateChange,
		now:           cfg.now,
	}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker rejects the call with [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.moveLocked(StateHalfOpen)
	}
	switch {
	case cb.state == StateOpen,
		cb.state == StateHalfOpen && cb.probes >= cb.halfOpenMax:
		cb.mu.Unlock()
		cb.notify(from)
		return ErrCircuitOpen
	}
	probe := cb.state == StateHalfOpen
	if probe {
		cb.probes++
	}
	cb.mu.Unlock()
	cb.notify(from)

	err := fn()

	cb.mu.Lock()
	from = cb.state
	switch {
	case err != nil && cb.neutral(err):
		if probe {
			cb.probes--
		}
	case err != nil:
		cb.failLocked(probe)
	default:
		cb.succeedLocked(probe)
	}
	cb.mu.Unlock()
	cb.notify(from)
	return err
}

func (cb *CircuitBreaker) failLocked(probe bool) {
	if probe {
		cb.failures = cb.maxFailures
		cb.moveLocked(StateOpen)
		slog.Warn("circuit breaker re-opened", "name", cb.name)
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.moveLocked(StateOpen)
		slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.failures)
	}
}

func (cb *CircuitBreaker) succeedLocked(probe bool) {
	if !probe {
		cb.failures = 0
		return
	}
	if cb.state != StateHalfOpen {
		return
	}
	cb.probeWins++
	if cb.probeWins >= cb.halfOpenMax {
		cb.failures = 0
		cb.moveLocked(StateClosed)
		slog.Info("circuit breaker closed", "name", cb.name)
	}
}

// moveLocked switches to s and resets the per-state counters.
func (cb *CircuitBreaker) moveLocked(s State) {
	cb.state = s
	cb.probes = 0
	cb.probeWins = 0
	if s == StateOpen {
		cb.openedAt = cb.now()
	}
}

// notify reports a transition away from from, if any happened.
func (cb *CircuitBreaker) notify(from State) {
	if cb.onStateChange == nil {
		return
	}
	cb.mu.Lock()
	to := cb.state
	cb.mu.Unlock()
	if to != from {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	cb.moveLocked(StateClosed)
	cb.mu.Unlock()
	cb.notify(from)
	slog.Info("circuit breaker reset", "name", cb.name)
}
