// Package syncer drives a sync run: for each target it extracts the
// following listing, diffs it against what the store already knows, resolves
// the new handles and writes the edges back. Targets are processed one at a
// time with a fresh browser session each.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"followsync/pkg/airtable"
	"followsync/pkg/browser"
	"followsync/pkg/cache"
	"followsync/pkg/checkpoint"
	"followsync/pkg/config"
	"followsync/pkg/edges"
	errs "followsync/pkg/errors"
	"followsync/pkg/ledger"
	"followsync/pkg/lock"
	"followsync/pkg/logger"
	"followsync/pkg/metrics"
	"followsync/pkg/models"
	"followsync/pkg/ratelimit"
	"followsync/pkg/reconcile"
	"followsync/pkg/resolver"
	"followsync/pkg/retry"
	"followsync/pkg/scraper"
)

// RunContext carries the resources shared by every target of one run
type RunContext struct {
	RunID   string
	Limiter ratelimit.Limiter
	Lock    *lock.Lock
	Cache   cache.Cache
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}

// Store is the record store surface used across the pipeline
type Store interface {
	resolver.Store
	edges.Store
}

// Deps are the collaborators a Syncer drives
type Deps struct {
	Store  Store
	Opener browser.Opener
	// Ledger is optional
	Ledger ledger.Ledger
	// History is optional
	History *checkpoint.Manager
}

// Syncer runs the per-target pipeline
type Syncer struct {
	rc       RunContext
	store    Store
	opener   browser.Opener
	history  *checkpoint.Manager
	resolver *resolver.Resolver
	writer   *edges.Writer
	retry    *retry.Policy

	table         string
	followedField string
	followersFld  string
	scrapeOpts    scraper.Options
	maxHandles    int
	dryRun        bool

	logger logger.Logger
	sleep  scraper.Sleeper
	now    func() time.Time
}

// New wires a Syncer from configuration. rc.Cache may be nil, in which case
// an in-memory cache is used for the run.
func New(rc RunContext, cfg *config.Config, deps Deps) *Syncer {
	if rc.RunID == "" {
		rc.RunID = NewRunID()
	}
	if rc.Cache == nil {
		rc.Cache = cache.NewMemory(cfg.Cache.TTL)
	}
	log := logger.OrNop(rc.Logger).WithFields(map[string]interface{}{
		"component": "syncer",
		"run_id":    rc.RunID,
	})
	rc.Logger = log

	res := resolver.New(deps.Store, rc.Cache, resolver.OptionsFromConfig(cfg), log)
	res.SetMetrics(rc.Metrics)
	writer := edges.New(deps.Store, res, deps.Ledger, edges.OptionsFromConfig(cfg), log)
	writer.SetMetrics(rc.Metrics)

	attempts := cfg.Scrape.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return &Syncer{
		rc:            rc,
		store:         deps.Store,
		opener:        deps.Opener,
		history:       deps.History,
		resolver:      res,
		writer:        writer,
		retry:         retry.NewPolicy(retry.FromConfig(cfg.Retry, log)).WithMaxAttempts(attempts),
		table:         cfg.Store.Table,
		followedField: cfg.Store.Fields.FollowedAccounts,
		followersFld:  cfg.Store.Fields.Followers,
		scrapeOpts:    scraper.OptionsFromConfig(cfg.Browser, cfg.Scrape),
		maxHandles:    cfg.Scrape.MaxHandles,
		dryRun:        cfg.Sync.DryRun,
		logger:        log,
		now:           time.Now,
	}
}

// RunID returns the identifier of this run
func (s *Syncer) RunID() string {
	return s.rc.RunID
}

// SetSleeper replaces the pause between scroll rounds
func (s *Syncer) SetSleeper(sl scraper.Sleeper) {
	s.sleep = sl
}

// SetClock replaces the wall clock used for report timestamps
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// Run syncs every target in order while holding the run lock. A lock held
// by another process is the only error; per-target failures are reported.
func (s *Syncer) Run(ctx context.Context, targets []string) (RunSummary, error) {
	summary := RunSummary{RunID: s.rc.RunID, DryRun: s.dryRun, StartedAt: s.now().UTC()}
	targets = Targets(targets...)
	if len(targets) == 0 {
		return summary, errs.New(errs.ErrorTypeConfig, "syncer.Run", "no targets given")
	}

	if s.rc.Lock != nil && !s.rc.Lock.Held() {
		if err := s.rc.Lock.Acquire(); err != nil {
			return summary, err
		}
		defer func() {
			if err := s.rc.Lock.Release(); err != nil {
				s.logger.WarnWithFields("failed to release lock", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	logger.LogComponentStart(s.logger, "syncer", map[string]interface{}{
		"targets": len(targets),
		"dry_run": s.dryRun,
	})

	for _, target := range targets {
		var report Report
		if err := ctx.Err(); err != nil {
			report = s.skipped(target, err)
		} else {
			report = s.SyncTarget(ctx, target)
		}
		summary.Reports = append(summary.Reports, report)
		s.record(report)
	}

	if err := s.rc.Cache.Save(); err != nil {
		s.logger.WarnWithFields("failed to save account cache", map[string]interface{}{"error": err.Error()})
	}

	summary.FinishedAt = s.now().UTC()
	newFollows, written, failed := summary.Totals()
	s.logger.InfoWithFields("run finished", map[string]interface{}{
		"targets":       len(summary.Reports),
		"done":          summary.Count(StateDone),
		"partial":       summary.Count(StatePartiallyComplete),
		"failed":        summary.Count(StateFailed),
		"new_follows":   newFollows,
		"edges_written": written,
		"edges_failed":  failed,
	})
	logger.LogComponentStop(s.logger, "syncer", "finished")
	return summary, nil
}

// SyncTarget runs the pipeline for one target and always returns a report
// in a terminal state
func (s *Syncer) SyncTarget(ctx context.Context, target string) Report {
	p := &pass{
		s:   s,
		log: s.logger.WithField("target", models.Normalize(target)),
		report: Report{
			RunID:        s.rc.RunID,
			TargetHandle: models.Normalize(target),
			State:        StateIdle,
			Errors:       []string{},
			StartedAt:    s.now().UTC(),
		},
	}
	p.run(ctx)
	p.report.FinishedAt = s.now().UTC()
	return p.report
}

func (s *Syncer) skipped(target string, cause error) Report {
	now := s.now().UTC()
	err := errs.Wrap(errs.ErrorTypeCanceled, "syncer.Run", errors.Join(errs.ErrCanceled, cause))
	return Report{
		RunID:        s.rc.RunID,
		TargetHandle: models.Normalize(target),
		State:        StateFailed,
		Errors:       []string{err.Error()},
		StartedAt:    now,
		FinishedAt:   now,
	}
}

// record persists the report to the run history and metrics
func (s *Syncer) record(r Report) {
	s.rc.Metrics.RecordRun(string(r.State))
	if s.history == nil || s.dryRun {
		return
	}
	err := s.history.Record(checkpoint.Entry{
		RunID:           r.RunID,
		TargetHandle:    r.TargetHandle,
		State:           string(r.State),
		NewFollowsFound: r.NewFollowsFound,
		EdgesWritten:    r.EdgesWritten,
		EdgesFailed:     r.EdgesFailed,
		TargetMissing:   r.TargetMissing,
		Errors:          r.Errors,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
	})
	if err != nil {
		s.logger.WarnWithFields("failed to record run history", map[string]interface{}{
			"target": r.TargetHandle,
			"error":  err.Error(),
		})
	}
}

// pass is the state of one target's trip through the pipeline
type pass struct {
	s      *Syncer
	log    logger.Logger
	report Report
}

func (p *pass) advance(to State) {
	from := p.report.State
	if !CanTransition(from, to) {
		p.log.ErrorWithFields("invalid state transition", map[string]interface{}{
			"from": string(from),
			"to":   string(to),
		})
		to = StateFailed
	}
	p.report.State = to
	p.log.DebugWithFields("state transition", map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
}

func (p *pass) fail(err error) {
	p.report.addError(err)
	if errs.Is(err, errs.ErrorTypePermanentTargetMissing) {
		p.report.TargetMissing = true
	}
	p.log.ErrorWithFields("target failed", map[string]interface{}{
		"state":      string(p.report.State),
		"error_type": string(errs.TypeOf(err)),
		"error":      err.Error(),
	})
	p.advance(StateFailed)
}

func (p *pass) run(ctx context.Context) {
	target := p.report.TargetHandle
	if target == "" {
		p.fail(errs.New(errs.ErrorTypeValidation, "syncer.SyncTarget", "empty target handle"))
		return
	}

	follower, known, err := p.s.loadFollower(ctx, target)
	if err != nil {
		p.fail(err)
		return
	}

	p.advance(StateExtracting)
	extracted, err := p.s.extract(ctx, p.log, target, known)
	if err != nil {
		p.fail(err)
		return
	}

	p.advance(StateReconciling)
	newHandles, all := reconcile.Diff(known, extracted)
	p.report.NewFollowsFound = newHandles.Len()
	p.s.rc.Metrics.AddNewFollows(newHandles.Len())
	p.log.InfoWithFields("follow set reconciled", map[string]interface{}{
		"known": known.Len(),
		"new":   newHandles.Len(),
		"total": all.Len(),
	})

	if p.s.dryRun {
		p.report.NewHandles = newHandles.Sorted()
		p.advance(StateDone)
		return
	}
	if newHandles.Len() == 0 {
		p.advance(StateDone)
		return
	}

	p.advance(StateResolving)
	if _, err := p.s.resolver.Resolve(ctx, newHandles); err != nil {
		p.report.EdgesFailed = newHandles.Len()
		p.fail(fmt.Errorf("resolve new follows: %w", err))
		return
	}

	p.advance(StateWritingEdges)
	wr, err := p.s.writer.WriteEdges(ctx, follower, newHandles)
	p.report.EdgesWritten = wr.Succeeded
	p.report.EdgesFailed = wr.Failed
	for _, e := range wr.Errors {
		p.report.addError(e)
	}
	if err != nil && len(wr.Errors) == 0 {
		p.report.addError(err)
	}

	switch {
	case wr.Failed == 0 && err == nil:
		p.advance(StateDone)
	case wr.Succeeded == 0:
		p.log.ErrorWithFields("no edges written", map[string]interface{}{"failed": wr.Failed})
		p.advance(StateFailed)
	default:
		p.log.WarnWithFields("edges partially written", map[string]interface{}{
			"written":        wr.Succeeded,
			"failed":         wr.Failed,
			"failed_handles": wr.FailedHandles,
		})
		p.advance(StatePartiallyComplete)
	}
}

// loadFollower finds (or, outside dry runs, creates) the target's record and
// returns the handles it is already linked to. The store is the source of
// truth for known follows. A cached record id that no longer exists is
// dropped and the record resolved again.
func (s *Syncer) loadFollower(ctx context.Context, target string) (models.Account, models.Set, error) {
	follower := models.Account{Handle: target}

	id, err := s.followerID(ctx, target)
	if err != nil {
		return follower, nil, err
	}
	if id == "" {
		return follower, models.NewSet(), nil
	}

	rec, err := s.store.Get(ctx, s.table, id)
	if errs.Is(err, errs.ErrorTypeNotFound) {
		s.logger.WarnWithFields("follower record missing, re-resolving", map[string]interface{}{
			"target":    target,
			"record_id": id,
		})
		s.resolver.Invalidate(target)
		if id, err = s.followerID(ctx, target); err != nil {
			return follower, nil, err
		}
		if id == "" {
			return follower, models.NewSet(), nil
		}
		rec, err = s.store.Get(ctx, s.table, id)
	}
	if err != nil {
		return follower, nil, fmt.Errorf("load follower record: %w", err)
	}

	follower.RecordID = id
	follower.FollowedIDs = models.NewSet(rec.LinkedIDs(s.followedField)...)
	follower.FollowerIDs = models.NewSet(rec.LinkedIDs(s.followersFld)...)

	known := models.NewSet()
	if follower.FollowedIDs.Len() > 0 {
		handles, err := s.resolver.ResolveIDs(ctx, follower.FollowedIDs.Sorted())
		if err != nil {
			return follower, nil, fmt.Errorf("load known follows: %w", err)
		}
		for _, h := range handles {
			known.Add(h)
		}
	}
	return follower, known, nil
}

// followerID returns the target's record id. Dry runs only look it up, so
// the id is empty when no record exists yet.
func (s *Syncer) followerID(ctx context.Context, target string) (string, error) {
	handle := models.NewSet(target)

	var ids map[string]string
	var err error
	if s.dryRun {
		ids, err = s.resolver.Lookup(ctx, handle)
	} else {
		ids, err = s.resolver.Resolve(ctx, handle)
	}
	if err != nil {
		return "", fmt.Errorf("resolve follower record: %w", err)
	}
	return ids[target], nil
}

// extract reads the target's listing in one browser session, retrying
// render failures. A listing that never renders is treated as a broken
// session once the attempts are spent.
func (s *Syncer) extract(ctx context.Context, log logger.Logger, target string, known models.Set) (models.Set, error) {
	const op = "syncer.extract"

	session, err := s.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.WarnWithFields("failed to close browser session", map[string]interface{}{"error": err.Error()})
		}
	}()

	ext := scraper.New(session, s.scrapeOpts, log)
	ext.SetMetrics(s.rc.Metrics)
	if s.sleep != nil {
		ext.SetSleeper(s.sleep)
	}

	var extracted models.Set
	err = s.retry.Do(ctx, op, func(ctx context.Context) error {
		set, err := ext.Extract(ctx, target, known, s.maxHandles)
		extracted = set
		return err
	})
	if err == nil {
		return extracted, nil
	}

	if errors.Is(err, scraper.ErrListingNotRendered) {
		attempts := 0
		var e *errs.Error
		if errors.As(err, &e) {
			attempts = e.Attempts
		}
		return nil, &errs.Error{
			Type:     errs.ErrorTypeSessionInvalid,
			Op:       op,
			Message:  fmt.Sprintf("listing for %s never rendered, session is likely invalid", target),
			Attempts: attempts,
			Err:      err,
		}
	}
	return nil, err
}

var _ Store = (*airtable.Client)(nil)
