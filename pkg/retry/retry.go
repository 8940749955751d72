// Package retry provides exponential backoff for pool reconnects and
// best-effort telemetry writes.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/fpgaproxy/pkg/errors"
)

// Config holds retry configuration. MaxAttempts <= 0 retries until the
// context is cancelled.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// ReconnectConfig returns the pool reconnect policy: 5s doubling up to 60s,
// forever.
func ReconnectConfig() *Config {
	return &Config{
		MaxAttempts: 0,
		BaseDelay:   5 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

// TelemetryConfig returns retry configuration for optional metric sinks.
// Attempts are few and short so a slow sink never stalls the mining loop.
func TelemetryConfig() *Config {
	return &Config{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Do executes a function with retry logic
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes a function with retry logic and returns a result
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	if config == nil {
		config = DefaultConfig()
	}

	backoff := NewBackoff(config)
	var lastErr error

	for attempt := 0; config.MaxAttempts <= 0 || attempt < config.MaxAttempts; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}

		if config.MaxAttempts > 0 && attempt == config.MaxAttempts-1 {
			break
		}

		if err := Sleep(ctx, backoff.Next()); err != nil {
			return zero, err
		}
	}

	return zero, errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)
}

// Backoff hands out successive delays of an exponential schedule. It is not
// safe for concurrent use.
type Backoff struct {
	config  *Config
	attempt int
}

// NewBackoff creates a backoff starting at config.BaseDelay.
func NewBackoff(config *Config) *Backoff {
	if config == nil {
		config = DefaultConfig()
	}
	return &Backoff{config: config}
}

// Next returns the delay for the current attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.config.calculateDelay(b.attempt)
	b.attempt++
	return d
}

// Reset restarts the schedule at the base delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateDelay calculates the delay for the given attempt using exponential backoff
func (c *Config) calculateDelay(attempt int) time.Duration {
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(c.BaseDelay) * math.Pow(multiplier, float64(attempt))
	if c.MaxDelay > 0 {
		delay = min(delay, float64(c.MaxDelay))
	}

	if c.Jitter {
		// up to 10% on top
		delay += delay * 0.1 * rand.Float64()
	}

	return time.Duration(delay)
}
