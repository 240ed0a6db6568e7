package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter defines the interface for rate limiting
type Limiter interface {
	// Allow checks if a request is allowed under the current rate limit
	Allow() bool
	// Wait blocks until the rate limit allows another request or ctx ends
	Wait(ctx context.Context) error
	// Reset resets the rate limiter state
	Reset()
}

// Strategy names accepted by New
const (
	StrategyTokenBucket   = "token_bucket"
	StrategyFixedWindow   = "fixed_window"
	StrategySlidingWindow = "sliding_window"
)

// New builds a limiter allowing requests per window using the named strategy
func New(strategy string, requests int, window time.Duration) (Limiter, error) {
	if requests <= 0 || window <= 0 {
		return nil, fmt.Errorf("invalid rate limit: %d requests per %s", requests, window)
	}
	switch strategy {
	case "", StrategyTokenBucket:
		return NewTokenBucket(requests, window), nil
	case StrategyFixedWindow:
		return NewFixedWindow(requests, window), nil
	case StrategySlidingWindow:
		return NewSlidingWindow(requests, window), nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", strategy)
	}
}

// TokenBucket is a continuously refilling bucket backed by x/time/rate.
// The bucket holds up to requests tokens and refills at requests/window.
type TokenBucket struct {
	requests int
	window   time.Duration
	mu       sync.Mutex
	limiter  *rate.Limiter
}

// NewTokenBucket creates a new token bucket rate limiter
func NewTokenBucket(requests int, window time.Duration) *TokenBucket {
	tb := &TokenBucket{requests: requests, window: window}
	tb.limiter = tb.newLimiter()
	return tb
}

func (tb *TokenBucket) newLimiter() *rate.Limiter {
	every := tb.window / time.Duration(tb.requests)
	return rate.NewLimiter(rate.Every(every), tb.requests)
}

func (tb *TokenBucket) current() *rate.Limiter {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.limiter
}

// Allow checks if a request can proceed
func (tb *TokenBucket) Allow() bool {
	return tb.current().Allow()
}

// Wait blocks until a token is available
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.current().Wait(ctx)
}

// Reset refills the bucket to full capacity
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.limiter = tb.newLimiter()
}

// FixedWindow grants capacity requests per window and refills all at once
// when the window elapses.
type FixedWindow struct {
	capacity     int
	tokens       int
	refillPeriod time.Duration
	lastRefill   time.Time
	mu           sync.Mutex
}

// NewFixedWindow creates a new fixed window rate limiter
func NewFixedWindow(capacity int, refillPeriod time.Duration) *FixedWindow {
	return &FixedWindow{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		lastRefill:   time.Now(),
	}
}

// Allow checks if a request can proceed
func (fw *FixedWindow) Allow() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.refill()

	if fw.tokens > 0 {
		fw.tokens--
		return true
	}

	return false
}

// Wait blocks until a token is available
func (fw *FixedWindow) Wait(ctx context.Context) error {
	for !fw.Allow() {
		fw.mu.Lock()
		timeUntilRefill := fw.refillPeriod - time.Since(fw.lastRefill)
		fw.mu.Unlock()

		if timeUntilRefill <= 0 {
			timeUntilRefill = 10 * time.Millisecond
		}
		if err := sleep(ctx, timeUntilRefill); err != nil {
			return err
		}
	}
	return nil
}

// Reset resets the window to full capacity
func (fw *FixedWindow) Reset() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.tokens = fw.capacity
	fw.lastRefill = time.Now()
}

func (fw *FixedWindow) refill() {
	now := time.Now()
	if now.Sub(fw.lastRefill) >= fw.refillPeriod {
		fw.tokens = fw.capacity
		fw.lastRefill = now
	}
}

// SlidingWindow implements a sliding window rate limiter
type SlidingWindow struct {
	windowSize  time.Duration
	maxRequests int
	requests    []time.Time
	mu          sync.Mutex
}

// NewSlidingWindow creates a new sliding window rate limiter
func NewSlidingWindow(maxRequests int, windowSize time.Duration) *SlidingWindow {
	return &SlidingWindow{
		windowSize:  windowSize,
		maxRequests: maxRequests,
		requests:    make([]time.Time, 0, maxRequests),
	}
}

// Allow checks if a request can proceed
func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := time.Now()
	sw.cleanOldRequests(now)

	if len(sw.requests) < sw.maxRequests {
		sw.requests = append(sw.requests, now)
		return true
	}

	return false
}

// Wait blocks until a request is allowed
func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for !sw.Allow() {
		wait := 10 * time.Millisecond
		sw.mu.Lock()
		if len(sw.requests) > 0 {
			if d := sw.windowSize - time.Since(sw.requests[0]); d > 0 {
				wait = d
			}
		}
		sw.mu.Unlock()

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears all recorded requests
func (sw *SlidingWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.requests = sw.requests[:0]
}

// cleanOldRequests removes requests outside the sliding window
func (sw *SlidingWindow) cleanOldRequests(now time.Time) {
	cutoff := now.Add(-sw.windowSize)

	i := 0
	for i < len(sw.requests) && sw.requests[i].Before(cutoff) {
		i++
	}

	if i > 0 {
		copy(sw.requests, sw.requests[i:])
		sw.requests = sw.requests[:len(sw.requests)-i]
	}
}

// Unlimited never blocks. Used by tests and dry runs.
type Unlimited struct{}

func (Unlimited) Allow() bool                    { return true }
func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }
func (Unlimited) Reset()                         {}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
