// Package circuitbreaker implements the failure-isolation state machine
// that protects callers from a degraded provider.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state.
type State int

const (
	// StateClosed allows requests through; failures are counted.
	StateClosed State = iota
	// StateOpen rejects requests immediately without calling the provider.
	StateOpen
	// StateHalfOpen allows a single probe request to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ErrOpen is returned by Allow while the breaker rejects requests.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes the breaker.
type Config struct {
	// Threshold is the number of consecutive failures that trips the
	// breaker from Closed to Open.
	Threshold int

	// RecoveryInterval is how long the breaker stays Open before
	// allowing a probe request (Open -> HalfOpen).
	RecoveryInterval time.Duration

	// OnStateChange is invoked on every transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() *Config {
	return &Config{
		Threshold:        5,
		RecoveryInterval: 60 * time.Second,
	}
}

// CircuitBreaker gates calls to a single provider endpoint.
//
// Callers ask Allow before each attempt and report the outcome with
// RecordSuccess/RecordFailure. Transitions are driven only by observed
// outcomes and elapsed time; all methods are safe for concurrent use.
type CircuitBreaker interface {
	// Allow reports whether a request may proceed. It returns ErrOpen
	// while the breaker is Open (or a probe is already in flight in
	// HalfOpen), without any provider contact.
	Allow() error

	// RecordSuccess reports a successful call.
	RecordSuccess()

	// RecordFailure reports a failed call.
	RecordFailure()

	// State returns the current state.
	State() State

	// Reset forces the breaker back to Closed.
	Reset()
}

type breaker struct {
	config *Config
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	probeInFlight   bool
}

// New creates a circuit breaker.
func New(config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.RecoveryInterval <= 0 {
		config.RecoveryInterval = 60 * time.Second
	}

	return &breaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		state:  StateClosed,
	}
}

func (b *breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.RecoveryInterval {
			b.setState(StateHalfOpen)
			b.probeInFlight = true
			b.logger.Info("circuit breaker half-open, allowing probe")
			return nil
		}
		return ErrOpen

	case StateHalfOpen:
		// Exactly one probe is allowed through.
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil

	default:
		return ErrOpen
	}
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.logger.Info("circuit breaker recovered, closing")
		b.setState(StateClosed)
		b.failureCount = 0
		b.probeInFlight = false
	}
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("circuit breaker opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		b.logger.Warn("probe failed, circuit breaker re-opened")
		b.setState(StateOpen)
		b.probeInFlight = false
	}
}

// setState transitions and fires the callback. Caller holds b.mu.
func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.config.OnStateChange != nil && oldState != newState {
		go b.config.OnStateChange(oldState, newState)
	}
}

func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.probeInFlight = false

	b.logger.Info("circuit breaker reset", zap.String("from_state", oldState.String()))

	if b.config.OnStateChange != nil && oldState != StateClosed {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}
