// Package retry is the single retry wrapper used for browser navigation,
// record store lookups and edge writes.
//
// Features:
//   - Exponential, linear and constant backoff with jitter
//   - Error-type specific strategies via ErrorTypeBackoff
//   - Server retry-after hints honoured for rate limited responses
//   - Rate limited retries counted apart from transient ones
//   - Context cancellation between attempts
//
// Basic usage:
//
//	policy := retry.NewPolicy(&retry.Config{
//		MaxAttempts: 5,
//		Backoff:     retry.NewErrorTypeBackoff(),
//		Logger:      log,
//	})
//	err := policy.Do(ctx, "list accounts", func(ctx context.Context) error {
//		return client.List(ctx, query)
//	})
//
// Error Type Handling:
//   - TransientNetwork: quick exponential retries
//   - RateLimited: wait for Retry-After, else a 30s based backoff
//   - All other types: returned immediately
//
// When the attempt budget runs out the last error is wrapped in an
// *errors.Error carrying the same type and the attempt count, so callers
// never see an empty success.
package retry
