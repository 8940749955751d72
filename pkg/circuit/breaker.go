// Package circuit provides a circuit breaker that stops hammering a failing
// dependency (the serial device, a telemetry sink) until it has had time to
// recover.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/fpgaproxy/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit allows limited requests to test recovery
	StateHalfOpen
)

// String returns string representation of the state
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

// Config holds circuit breaker configuration
type Config struct {
	Name            string
	MaxFailures     int           // consecutive failures before opening
	SuccessRequired int           // successes required to close from half-open
	Timeout         time.Duration // open -> half-open delay
	// ErrorType is the type of the rejection error returned while open.
	ErrorType errors.ErrorType
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ErrorType:       errors.ErrorTypeInternal,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mu     sync.Mutex

	state    State
	failures int
	// successes counts half-open successes only
	successes    int
	lastFailTime time.Time
	openedAt     time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ErrorType == "" {
		config.ErrorType = errors.ErrorTypeInternal
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
	}
}

// Execute runs a function with circuit breaker protection. Context
// cancellation is not counted as a failure.
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs a function with circuit breaker protection and returns result
func ExecuteWithResult[T any](ctx context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if err := cb.allow(); err != nil {
		return zero, err
	}

	result, err := fn()
	if err != nil && ctx.Err() != nil {
		return result, err
	}
	cb.record(err)
	return result, err
}

func (cb *Breaker) allow() error {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.config.Timeout {
			cb.mu.Unlock()
			return errors.New(cb.config.ErrorType, "circuit_breaker", "circuit breaker is open").
				WithContext("breaker", cb.config.Name).
				WithContext("state", StateOpen.String())
		}
		cb.state = StateHalfOpen
		cb.successes = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return nil
}

func (cb *Breaker) record(err error) {
	cb.mu.Lock()
	from := cb.state

	if err != nil {
		cb.failures++
		cb.lastFailTime = time.Now()
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) {
			cb.state = StateOpen
			cb.openedAt = cb.lastFailTime
			cb.successes = 0
		}
	} else {
		switch cb.state {
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessRequired {
				cb.state = StateClosed
				cb.failures = 0
				cb.successes = 0
			}
		case StateClosed:
			cb.failures = 0
		}
	}

	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	State        State
	Failures     int
	LastFailTime time.Time
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		LastFailTime: cb.lastFailTime,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}
