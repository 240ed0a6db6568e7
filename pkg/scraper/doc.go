// Package scraper extracts the handles a target account follows from its
// scroll-loaded "following" listing.
//
// The listing is virtualized: only a window of rows exists in the DOM and
// more load as the page scrolls. The Extractor therefore accumulates every
// handle it has ever seen and stops once a configurable number of
// consecutive scroll rounds add nothing new. Total-count metadata is never
// consulted since the page does not expose one.
//
// Termination:
//   - StaleRounds consecutive rounds without a new handle (default 3)
//   - maxHandles reached; the result keeps every known handle and fills the
//     rest with the smallest new handles in sort order
//   - MaxDuration wall-clock ceiling
//
// A listing that never renders produces a screenshot and a retryable error
// wrapping ErrListingNotRendered, together with the known set unchanged.
// A missing account is reported as ErrorTypePermanentTargetMissing.
//
// Usage:
//
//	ext := scraper.New(session, scraper.OptionsFromConfig(cfg.Browser, cfg.Scrape), log)
//	handles, err := ext.Extract(ctx, "alice", known, cfg.Scrape.MaxHandles)
package scraper
