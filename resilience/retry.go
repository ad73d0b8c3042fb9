// Package resilience provides retry and circuit breaker primitives
// shared by the backend clients and the orchestrator.
package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dimensigon/aishell/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool

	// RetryOn widens the set of error kinds that are retried. When
	// empty, only core.Retryable kinds (transient failures) retry.
	RetryOn []core.ErrorKind
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

func (c *RetryConfig) shouldRetry(err error) bool {
	kind := core.KindOf(err)
	if core.Retryable(kind) {
		return true
	}
	for _, k := range c.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// Delay returns the backoff before the given retry (1-based), applying
// the exponential factor and the max-delay cap.
func (c *RetryConfig) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(retry-1))
	if max := float64(c.MaxDelay); c.MaxDelay > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// Retry executes fn until it succeeds, exhausts the attempt budget, or
// hits a non-retryable error kind. Backoff sleeps observe context
// cancellation.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == config.MaxAttempts || !config.shouldRetry(err) {
			break
		}

		delay := config.Delay(attempt)
		if config.JitterEnabled {
			// Deterministic low-amplitude jitter spreads synchronized
			// retries without a random source.
			delay += time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry budget exhausted (%d attempts): %w", config.MaxAttempts, lastErr)
}

// RetryWithBreaker combines retry logic with a circuit breaker.
func RetryWithBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
