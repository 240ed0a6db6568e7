package scraper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"followsync/pkg/browser"
	"followsync/pkg/config"
	errs "followsync/pkg/errors"
	"followsync/pkg/logger"
	"followsync/pkg/metrics"
	"followsync/pkg/models"
	"followsync/pkg/retry"
)

// ErrListingNotRendered is wrapped by the error returned when the listing
// container never appeared
var ErrListingNotRendered = errors.New("following listing did not render")

// missingMarkers identify the page shown for unknown or suspended accounts
var missingMarkers = []string{
	"This account doesn’t exist",
	"This account doesn't exist",
	"Account suspended",
}

// Termination reasons recorded in State.Reason
const (
	ReasonConverged   = "converged"
	ReasonMaxHandles  = "max_handles"
	ReasonMaxDuration = "max_duration"
)

// Options controls navigation and the convergence policy
type Options struct {
	ProfileBaseURL  string
	ListingSelector string
	InitialWait     time.Duration
	ScrollStep      int
	MinPause        time.Duration
	MaxPause        time.Duration
	// StaleRounds consecutive rounds without a new handle end the scrape
	StaleRounds   int
	MaxDuration   time.Duration
	ScreenshotDir string
}

// OptionsFromConfig builds Options from the browser and scrape sections
func OptionsFromConfig(b config.BrowserConfig, s config.ScrapeConfig) Options {
	return Options{
		ProfileBaseURL:  b.ProfileBaseURL,
		ListingSelector: s.ListingSelector,
		InitialWait:     s.InitialWait,
		ScrollStep:      s.ScrollStep,
		MinPause:        s.MinPause,
		MaxPause:        s.MaxPause,
		StaleRounds:     s.StaleRounds,
		MaxDuration:     s.MaxDuration,
		ScreenshotDir:   b.ScreenshotDir,
	}
}

// State is the transient progress of one extraction
type State struct {
	TargetHandle           string
	Extracted              models.Set
	ConsecutiveStaleRounds int
	ScrollPosition         int
	Rounds                 int
	Reason                 string
}

// Sleeper pauses between scroll rounds
type Sleeper func(ctx context.Context, d time.Duration) error

// Extractor reads a target's following listing by scrolling until the set
// of handles stops growing
type Extractor struct {
	page    browser.Page
	opts    Options
	host    string
	sleep   Sleeper
	rng     *rand.Rand
	now     func() time.Time
	logger  logger.Logger
	metrics *metrics.Metrics
}

// New creates an extractor driving page
func New(page browser.Page, opts Options, log logger.Logger) *Extractor {
	if opts.StaleRounds <= 0 {
		opts.StaleRounds = 3
	}
	if opts.ScrollStep <= 0 {
		opts.ScrollStep = 600
	}
	if opts.MaxPause < opts.MinPause {
		opts.MaxPause = opts.MinPause
	}
	opts.ProfileBaseURL = strings.TrimRight(opts.ProfileBaseURL, "/")

	host := ""
	if u, err := url.Parse(opts.ProfileBaseURL); err == nil {
		host = u.Host
	}

	return &Extractor{
		page:   page,
		opts:   opts,
		host:   host,
		sleep:  retry.Wait,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
		logger: logger.OrNop(log).WithField("component", "scraper"),
	}
}

// SetSleeper replaces the pause between rounds
func (e *Extractor) SetSleeper(s Sleeper) {
	e.sleep = s
}

// SetClock replaces the wall clock used for the duration ceiling
func (e *Extractor) SetClock(now func() time.Time) {
	e.now = now
}

// SetMetrics attaches a metrics sink
func (e *Extractor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// ListingURL returns the following page of target
func (e *Extractor) ListingURL(target string) string {
	return fmt.Sprintf("%s/%s/following", e.opts.ProfileBaseURL, url.PathEscape(target))
}

// ScreenshotPath is where a failed render is captured
func (e *Extractor) ScreenshotPath(target string) string {
	return filepath.Join(e.opts.ScreenshotDir, target+"_following.png")
}

// Extract returns known plus every handle found on target's following
// listing, capped at maxHandles entries when maxHandles > 0. On error the
// handles gathered so far are returned with it; known is always included
// and never mutated.
func (e *Extractor) Extract(ctx context.Context, target string, known models.Set, maxHandles int) (models.Set, error) {
	state, err := e.Run(ctx, target, known, maxHandles)
	return state.Extracted, err
}

// Run is Extract exposing the final extraction state
func (e *Extractor) Run(ctx context.Context, target string, known models.Set, maxHandles int) (*State, error) {
	const op = "scraper.Extract"

	target = models.Normalize(target)
	if known == nil {
		known = models.NewSet()
	}
	state := &State{TargetHandle: target, Extracted: known.Clone()}
	log := e.logger.WithField("target", target)

	if target == "" {
		return state, errs.New(errs.ErrorTypeValidation, op, "empty target handle")
	}

	listing := e.ListingURL(target)
	log.DebugWithFields("opening listing", map[string]interface{}{"url": listing})
	if err := e.page.Navigate(ctx, listing); err != nil {
		return state, fail(ctx, err)
	}

	if err := e.page.WaitVisible(ctx, e.opts.ListingSelector, e.opts.InitialWait); err != nil {
		return state, e.notRendered(ctx, target, err)
	}

	deadline := time.Time{}
	if e.opts.MaxDuration > 0 {
		deadline = e.now().Add(e.opts.MaxDuration)
	}

	for {
		if err := ctx.Err(); err != nil {
			return state, errs.Wrap(errs.ErrorTypeCanceled, op, errors.Join(errs.ErrCanceled, err))
		}
		if !deadline.IsZero() && !e.now().Before(deadline) {
			state.Reason = ReasonMaxDuration
			break
		}

		pos, err := e.page.ScrollBy(ctx, e.opts.ScrollStep)
		if err != nil {
			return state, fail(ctx, err)
		}
		state.ScrollPosition = pos

		if err := e.sleep(ctx, e.pause()); err != nil {
			return state, errs.Wrap(errs.ErrorTypeCanceled, op, errors.Join(errs.ErrCanceled, err))
		}

		hrefs, err := e.page.Hrefs(ctx, e.opts.ListingSelector)
		if err != nil {
			return state, fail(ctx, err)
		}
		state.Rounds++

		added := 0
		for _, href := range hrefs {
			if handle, ok := HandleFromHref(href, e.host); ok && handle != target && state.Extracted.Add(handle) {
				added++
			}
		}
		if added == 0 {
			state.ConsecutiveStaleRounds++
		} else {
			state.ConsecutiveStaleRounds = 0
		}
		logger.LogScrapeProgress(log, target, state.Rounds, state.Extracted.Len(), state.ConsecutiveStaleRounds)

		if maxHandles > 0 && state.Extracted.Len() >= maxHandles {
			state.Extracted = truncate(state.Extracted, known, maxHandles)
			state.Reason = ReasonMaxHandles
			break
		}
		if state.ConsecutiveStaleRounds >= e.opts.StaleRounds {
			state.Reason = ReasonConverged
			break
		}
	}

	e.metrics.ObserveScrapeRounds(state.Rounds)
	log.InfoWithFields("extraction finished", map[string]interface{}{
		"rounds":    state.Rounds,
		"extracted": state.Extracted.Len(),
		"new":       state.Extracted.Minus(known).Len(),
		"reason":    state.Reason,
	})
	return state, nil
}

// notRendered handles a listing that never appeared: a missing account is
// permanent, anything else is captured and reported as retryable
func (e *Extractor) notRendered(ctx context.Context, target string, cause error) error {
	const op = "scraper.Extract"

	if ctx.Err() != nil {
		return errs.Wrap(errs.ErrorTypeCanceled, op, errors.Join(errs.ErrCanceled, ctx.Err()))
	}

	if text, err := e.page.Text(ctx); err == nil {
		for _, marker := range missingMarkers {
			if strings.Contains(text, marker) {
				return errs.New(errs.ErrorTypePermanentTargetMissing, op, fmt.Sprintf("account %s does not exist", target))
			}
		}
	}

	shot := e.ScreenshotPath(target)
	if err := e.page.Screenshot(ctx, shot); err != nil {
		e.logger.WarnWithFields("failed to capture screenshot", map[string]interface{}{
			"target": target,
			"path":   shot,
			"error":  err.Error(),
		})
		shot = ""
	}
	e.logger.WarnWithFields("listing did not render", map[string]interface{}{
		"target":     target,
		"wait":       e.opts.InitialWait,
		"screenshot": shot,
		"error":      cause.Error(),
	})

	return &errs.Error{
		Type:    errs.ErrorTypeTransientNetwork,
		Op:      op,
		Message: fmt.Sprintf("listing for %s did not render within %s", target, e.opts.InitialWait),
		Err:     errors.Join(ErrListingNotRendered, cause),
	}
}

// fail reports page errors caused by cancellation as ErrorTypeCanceled
func fail(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errs.Is(err, errs.ErrorTypeCanceled) {
		return errs.Wrap(errs.ErrorTypeCanceled, "scraper.Extract", errors.Join(errs.ErrCanceled, err))
	}
	return err
}

// pause picks a jittered delay in [MinPause, MaxPause]
func (e *Extractor) pause() time.Duration {
	span := e.opts.MaxPause - e.opts.MinPause
	if span <= 0 {
		return e.opts.MinPause
	}
	return e.opts.MinPause + time.Duration(e.rng.Int63n(int64(span)+1))
}

// truncate keeps all of known and fills up to limit with the
// lexicographically smallest new handles
func truncate(extracted, known models.Set, limit int) models.Set {
	if extracted.Len() <= limit {
		return extracted
	}
	out := known.Clone()
	for _, h := range extracted.Minus(known).Sorted() {
		if out.Len() >= limit {
			break
		}
		out.Add(h)
	}
	return out
}
