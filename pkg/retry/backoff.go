package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	errs "followsync/pkg/errors"
)

// BackoffStrategy defines the interface for different backoff strategies
type BackoffStrategy interface {
	// NextDelay returns the delay before the given retry attempt (1-based)
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with jitter
type ExponentialBackoff struct {
	// BaseDelay is the initial delay duration
	BaseDelay time.Duration
	// MaxDelay is the maximum delay duration
	MaxDelay time.Duration
	// Multiplier is the factor by which delay increases
	Multiplier float64
	// JitterFactor adds randomness to avoid thundering herd (0.0 to 1.0)
	JitterFactor float64
}

// DefaultExponentialBackoff returns a backoff with sensible defaults
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:    1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// NextDelay calculates the next delay with exponential backoff and jitter
func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(attempt-1))
	if delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}

	return jitter(delay, eb.JitterFactor)
}

// LinearBackoff implements linear backoff strategy
type LinearBackoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Increment    time.Duration
	JitterFactor float64
}

// NextDelay calculates the next delay with linear backoff
func (lb *LinearBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(lb.BaseDelay + lb.Increment*time.Duration(attempt-1))
	if delay > float64(lb.MaxDelay) {
		delay = float64(lb.MaxDelay)
	}

	return jitter(delay, lb.JitterFactor)
}

// ConstantBackoff implements constant delay backoff
type ConstantBackoff struct {
	Delay time.Duration
}

// NextDelay returns a constant delay
func (cb *ConstantBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return cb.Delay
}

func jitter(delay, factor float64) time.Duration {
	if factor > 0 {
		j := delay * factor
		delay += (rand.Float64() * 2 * j) - j
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Wait waits for the specified duration or until context is cancelled
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrorTypeBackoff provides different backoff strategies based on error types
type ErrorTypeBackoff struct {
	// NetworkErrorBackoff for timeouts, resets and 5xx responses
	NetworkErrorBackoff BackoffStrategy
	// RateLimitBackoff is used for 429 responses without a retry-after hint
	RateLimitBackoff BackoffStrategy
	// DefaultBackoff for other retryable errors
	DefaultBackoff BackoffStrategy
}

// NewErrorTypeBackoff creates a new error-type based backoff. The record
// store asks clients to wait 30 seconds after a 429.
func NewErrorTypeBackoff() *ErrorTypeBackoff {
	return &ErrorTypeBackoff{
		NetworkErrorBackoff: &ExponentialBackoff{
			BaseDelay:    1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.2,
		},
		RateLimitBackoff: &ExponentialBackoff{
			BaseDelay:    30 * time.Second,
			MaxDelay:     5 * time.Minute,
			Multiplier:   1.5,
			JitterFactor: 0.1,
		},
		DefaultBackoff: DefaultExponentialBackoff(),
	}
}

// GetBackoffForError returns the appropriate backoff strategy for the error type
func (etb *ErrorTypeBackoff) GetBackoffForError(errorType errs.ErrorType) BackoffStrategy {
	switch errorType {
	case errs.ErrorTypeTransientNetwork:
		return etb.NetworkErrorBackoff
	case errs.ErrorTypeRateLimited:
		return etb.RateLimitBackoff
	default:
		return etb.DefaultBackoff
	}
}

// UniformBackoff returns an ErrorTypeBackoff that uses one strategy for
// every error type.
func UniformBackoff(b BackoffStrategy) *ErrorTypeBackoff {
	return &ErrorTypeBackoff{NetworkErrorBackoff: b, RateLimitBackoff: b, DefaultBackoff: b}
}
