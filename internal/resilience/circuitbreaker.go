// Package resilience keeps a misbehaving TTS service from taking the speech
// pipeline down with it.
//
// [CircuitBreaker] fails fast once a provider keeps erroring: after
// MaxFailures consecutive faults it rejects calls with [ErrCircuitOpen] for
// ResetTimeout, then lets HalfOpenMax probe calls through before closing
// again. [FallbackGroup] puts one breaker in front of every configured
// provider and walks them in order, and [TTSFallback] is that group exposed
// as a [tts.Provider]. Nothing here retries a failed call against the same
// provider.
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
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successful probes close the breaker; one fault re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker]. Zero
// values select the defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state change notifications.
	Name string

	// MaxFailures is the number of consecutive faults that opens the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open, and
	// the number of successful probes needed to close. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the service. Errors
	// it rejects pass through without touching the counters. Default: every
	// non-nil error. Context cancellation never counts.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the breaker's
	// lock.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int // consecutive faults while closed
	openedAt    time.Time
	probes      int // probe calls admitted while half-open
	probesOK    int
	rejected    int64
	transitions int64
}

// NewCircuitBreaker returns a closed [CircuitBreaker].
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
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker is rejecting calls, in which case it
// returns [ErrCircuitOpen] without calling fn. The error of fn is returned
// unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, notify, err := cb.admit()
	notify()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	notify = cb.settleLocked(probe, err)
	cb.mu.Unlock()
	notify()
	return err
}

// admit decides whether a call may proceed and whether it is a half-open
// probe.
func (cb *CircuitBreaker) admit() (probe bool, notify func(), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	notify = func() {}
	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.rejected++
			return false, notify, ErrCircuitOpen
		}
		notify = cb.moveLocked(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.rejected++
			return false, notify, ErrCircuitOpen
		}
		cb.probes++
		return true, notify, nil
	}
	return false, notify, nil
}

// settleLocked books the outcome of an admitted call. Must be called with
// cb.mu held.
func (cb *CircuitBreaker) settleLocked(probe bool, err error) func() {
	// A probe admitted before another probe re-opened the breaker has
	// nothing left to decide.
	if probe && cb.state != StateHalfOpen {
		return func() {}
	}

	switch {
	case errors.Is(err, context.Canceled):
		if probe {
			cb.probes--
		}
		return func() {}

	case err != nil && cb.cfg.IsFailure(err):
		if probe {
			return cb.moveLocked(StateOpen)
		}
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			return cb.moveLocked(StateOpen)
		}
		return func() {}

	default:
		if probe {
			cb.probesOK++
			if cb.probesOK >= cb.cfg.HalfOpenMax {
				return cb.moveLocked(StateClosed)
			}
			return func() {}
		}
		cb.failures = 0
		return func() {}
	}
}

// moveLocked switches to state to, resets the per-state counters and
// returns the deferred notification. Must be called with cb.mu held.
func (cb *CircuitBreaker) moveLocked(to State) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	cb.transitions++
	cb.probes, cb.probesOK = 0, 0
	switch to {
	case StateOpen:
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from.String(), "consecutive_failures", cb.failures)
	case StateHalfOpen:
		slog.Info("circuit breaker half-open, probing", "name", cb.cfg.Name)
	case StateClosed:
		cb.failures = 0
		slog.Info("circuit breaker closed", "name", cb.cfg.Name)
	}

	hook, name := cb.cfg.OnStateChange, cb.cfg.Name
	if hook == nil {
		return func() {}
	}
	return func() { hook(name, from, to) }
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Stats is a point-in-time view of a [CircuitBreaker].
type Stats struct {
	State               State  `json:"-"`
	StateName           string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Rejected            int64  `json:"rejected"`
	Transitions         int64  `json:"transitions"`
}

// Stats returns the breaker's counters.
func (cb *CircuitBreaker) Stats() Stats {
	st := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:               st,
		StateName:           st.String(),
		ConsecutiveFailures: cb.failures,
		Rejected:            cb.rejected,
		Transitions:         cb.transitions,
	}
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.moveLocked(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	notify()
}
