package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"followsync/pkg/config"
	errs "followsync/pkg/errors"
	"followsync/pkg/logger"
)

// Operation is a function that performs an operation that might need retrying
type Operation func(ctx context.Context) error

// OperationWithResult is a function that returns a result and might need retrying
type OperationWithResult[T any] func(ctx context.Context) (T, error)

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first (0 means unlimited)
	MaxAttempts int
	// Backoff picks a delay strategy per error type
	Backoff *ErrorTypeBackoff
	// MaxRetryAfter caps a server supplied retry-after hint
	MaxRetryAfter time.Duration
	// RetryIf determines if an error should be retried
	RetryIf func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(op string, attempt int, err error, delay time.Duration)
	// Logger for retry attempts
	Logger logger.Logger
}

// DefaultConfig returns a retry configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:   5,
		Backoff:       NewErrorTypeBackoff(),
		MaxRetryAfter: 5 * time.Minute,
		RetryIf:       DefaultRetryIf,
		Logger:        logger.NewNopLogger(),
	}
}

// FromConfig builds a retry configuration from the retry section
func FromConfig(rc config.RetryConfig, log logger.Logger) *Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = rc.MaxAttempts
	cfg.MaxRetryAfter = rc.MaxRetryAfter
	cfg.Logger = logger.OrNop(log)

	network := &ExponentialBackoff{
		BaseDelay:    rc.BaseDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffMultiplier,
		JitterFactor: 0.2,
	}
	cfg.Backoff = &ErrorTypeBackoff{
		NetworkErrorBackoff: network,
		RateLimitBackoff: &ExponentialBackoff{
			BaseDelay:    rc.RateLimitDelay,
			MaxDelay:     rc.MaxRetryAfter,
			Multiplier:   1.5,
			JitterFactor: 0.1,
		},
		DefaultBackoff: network,
	}
	return cfg
}

// DefaultRetryIf is the default retry predicate
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *errs.Error
	if errors.As(err, &apiErr) {
		return errs.IsRetryable(apiErr.Type)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Untyped errors come from transports and drivers; treat them as transient
	return true
}

// Stats counts retries performed by a Policy. Rate limited retries are
// tracked apart from generic transient ones.
type Stats struct {
	Calls       int64
	Transient   int64
	RateLimited int64
	Exhausted   int64
}

// Policy is the single retry wrapper applied to navigation, lookups and writes
type Policy struct {
	config      *Config
	calls       atomic.Int64
	transient   atomic.Int64
	rateLimited atomic.Int64
	exhausted   atomic.Int64
}

// NewPolicy creates a policy; a nil config uses DefaultConfig
func NewPolicy(cfg *Config) *Policy {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = def.RetryIf
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return &Policy{config: cfg}
}

// Stats returns a snapshot of the retry counters
func (p *Policy) Stats() Stats {
	return Stats{
		Calls:       p.calls.Load(),
		Transient:   p.transient.Load(),
		RateLimited: p.rateLimited.Load(),
		Exhausted:   p.exhausted.Load(),
	}
}

// WithMaxAttempts returns a policy sharing this policy's settings with a
// different attempt budget. Counters are not shared.
func (p *Policy) WithMaxAttempts(maxAttempts int) *Policy {
	cfg := *p.config
	cfg.MaxAttempts = maxAttempts
	return &Policy{config: &cfg}
}

// Do executes fn with retry logic. The returned error is always typed: a
// terminal error is returned as is, an exhausted retryable error is wrapped
// with the attempt count, and cancellation is reported as ErrorTypeCanceled.
func (p *Policy) Do(ctx context.Context, op string, fn Operation) error {
	cfg := p.config
	p.calls.Add(1)

	var lastErr error
	rateLimitedAttempts := 0
	transientAttempts := 0

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return canceled(op, err, lastErr)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				cfg.Logger.DebugWithFields("operation succeeded after retry", map[string]interface{}{
					"op":      op,
					"attempt": attempt,
				})
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return canceled(op, ctx.Err(), err)
		}

		if !cfg.RetryIf(err) {
			cfg.Logger.DebugWithFields("error is not retryable", map[string]interface{}{
				"op":    op,
				"error": err.Error(),
			})
			return err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			p.exhausted.Add(1)
			cfg.Logger.ErrorWithFields("max retry attempts exceeded", map[string]interface{}{
				"op":         op,
				"attempts":   attempt,
				"last_error": err.Error(),
			})
			return exhausted(op, attempt, err)
		}

		errType := errs.TypeOf(err)
		var delay time.Duration
		if errType == errs.ErrorTypeRateLimited {
			rateLimitedAttempts++
			p.rateLimited.Add(1)
			delay = p.rateLimitDelay(err, rateLimitedAttempts)
		} else {
			transientAttempts++
			p.transient.Add(1)
			delay = cfg.Backoff.GetBackoffForError(errType).NextDelay(transientAttempts)
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(op, attempt, err, delay)
		}

		cfg.Logger.WarnWithFields("retrying operation", map[string]interface{}{
			"op":           op,
			"attempt":      attempt,
			"error":        err.Error(),
			"error_type":   string(errType),
			"delay_ms":     delay.Milliseconds(),
			"max_attempts": cfg.MaxAttempts,
		})

		if err := Wait(ctx, delay); err != nil {
			cfg.Logger.WarnWithFields("retry cancelled", map[string]interface{}{
				"op":      op,
				"attempt": attempt,
				"reason":  err.Error(),
			})
			return canceled(op, err, lastErr)
		}
	}
}

// rateLimitDelay prefers the server hint and falls back to the rate limit backoff
func (p *Policy) rateLimitDelay(err error, n int) time.Duration {
	var apiErr *errs.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		d := apiErr.RetryAfter
		if p.config.MaxRetryAfter > 0 && d > p.config.MaxRetryAfter {
			d = p.config.MaxRetryAfter
		}
		return d
	}
	return p.config.Backoff.GetBackoffForError(errs.ErrorTypeRateLimited).NextDelay(n)
}

func exhausted(op string, attempts int, err error) error {
	t := errs.TypeOf(err)
	if t == errs.ErrorTypeUnknown {
		t = errs.ErrorTypeTransientNetwork
	}
	e := &errs.Error{
		Type:     t,
		Op:       op,
		Message:  "retries exhausted: " + err.Error(),
		Attempts: attempts,
		Err:      err,
	}
	var apiErr *errs.Error
	if errors.As(err, &apiErr) {
		e.Code = apiErr.Code
		e.Payload = apiErr.Payload
	}
	return e
}

func canceled(op string, ctxErr, last error) error {
	e := &errs.Error{Type: errs.ErrorTypeCanceled, Op: op, Message: ctxErr.Error(), Err: errors.Join(errs.ErrCanceled, ctxErr)}
	if last != nil {
		e.Message += " (last error: " + last.Error() + ")"
	}
	return e
}

// DoWithResult executes an operation that returns a result with retry logic
func DoWithResult[T any](ctx context.Context, p *Policy, op string, fn OperationWithResult[T]) (T, error) {
	var result T

	err := p.Do(ctx, op, func(ctx context.Context) error {
		var opErr error
		result, opErr = fn(ctx)
		return opErr
	})

	return result, err
}
