// Package ratelimit keeps remote store traffic under the store's
// requests-per-second ceiling.
//
// Available Implementations:
//
// Token Bucket:
//   - Continuous refill backed by golang.org/x/time/rate
//   - Default for record store calls (5 requests per second)
//
// Fixed Window:
//   - Fixed capacity that refills all at once after the window elapses
//
// Sliding Window:
//   - Tracks requests within a moving time window
//
// All limiters implement Limiter. Wait takes a context so a cancelled run
// stops waiting between batches:
//
//	limiter, err := ratelimit.New(ratelimit.StrategyTokenBucket, 5, time.Second)
//	if err != nil {
//	    return err
//	}
//	if err := limiter.Wait(ctx); err != nil {
//	    return err
//	}
//
// A single limiter is shared by every worker in a run.
package ratelimit
