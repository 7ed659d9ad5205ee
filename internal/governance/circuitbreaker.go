package governance

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is in the open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitState = "open"
	// StateHalfOpen indicates the circuit is probing for recovery.
	StateHalfOpen CircuitState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before half-open probing.
	Cooldown time.Duration
	// HalfOpenProbes is how many successful probes close the circuit again.
	HalfOpenProbes int
}

// DefaultCircuitBreakerConfig returns sensible defaults for the model
// invocation path.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:    5,
		Cooldown:       30 * time.Second,
		HalfOpenProbes: 2,
	}
}

// CircuitBreaker guards the model-invocation collaborator so a dead upstream
// fails fast instead of burning the invocation budget on every message.
type CircuitBreaker struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	state    CircuitState
	failures int
	probes   int
	openedAt time.Time
	now      func() time.Time
}

// NewCircuitBreaker builds a breaker in the closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it flips to
// half-open once the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil
	default:
		if cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
			cb.state = StateHalfOpen
			cb.probes = 0
			return nil
		}
		return ErrCircuitOpen
	}
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.probes++
		if cb.probes >= cb.config.HalfOpenProbes {
			cb.state = StateClosed
			cb.failures = 0
		}
	default:
		cb.failures = 0
	}
}

// Failure records a failed call, opening the circuit past the threshold or
// immediately when a half-open probe fails.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.open()
	default:
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			cb.open()
		}
	}
}

// State returns the current state for metrics.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.failures = 0
	cb.openedAt = cb.now()
}
