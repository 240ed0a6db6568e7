// Package edges writes follow relationships back to the record store. Both
// sides of each edge are linked: the follower's "Followed Accounts" field
// and every followed account's "Followers" field. Writes only ever add ids.
package edges

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"followsync/internal/pool"
	"followsync/pkg/airtable"
	"followsync/pkg/config"
	errs "followsync/pkg/errors"
	"followsync/pkg/ledger"
	"followsync/pkg/logger"
	"followsync/pkg/metrics"
	"followsync/pkg/models"
)

// Store is the subset of the record store the writer needs
type Store interface {
	Get(ctx context.Context, table, recordID string) (airtable.Record, error)
	List(ctx context.Context, table string, opts airtable.ListOptions) ([]airtable.Record, error)
	Update(ctx context.Context, table string, records []airtable.Record) ([]airtable.Record, error)
}

// Resolver maps handles to record ids
type Resolver interface {
	Resolve(ctx context.Context, handles models.Set) (map[string]string, error)
	Invalidate(handles ...string)
}

// Options configures field names and batching
type Options struct {
	Table            string
	UsernameField    string
	FollowedField    string
	FollowersField   string
	BatchSize        int
	BatchDelay       time.Duration
	Concurrency      int
	MaxFormulaLength int
}

// OptionsFromConfig builds Options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Table:            cfg.Store.Table,
		UsernameField:    cfg.Store.Fields.Username,
		FollowedField:    cfg.Store.Fields.FollowedAccounts,
		FollowersField:   cfg.Store.Fields.Followers,
		BatchSize:        cfg.Store.BatchSize,
		BatchDelay:       cfg.Sync.BatchDelay,
		Concurrency:      cfg.Sync.Concurrency,
		MaxFormulaLength: cfg.Store.MaxFormulaLength,
	}
}

// WriteReport counts edges persisted on both sides and those that failed
type WriteReport struct {
	Succeeded     int      `json:"succeeded"`
	Failed        int      `json:"failed"`
	FailedHandles []string `json:"failed_handles,omitempty"`
	Errors        []error  `json:"-"`
}

func (r *WriteReport) fail(err error, handles ...string) {
	r.Failed += len(handles)
	r.FailedHandles = append(r.FailedHandles, handles...)
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
}

// Writer links followers to the accounts they follow
type Writer struct {
	store    Store
	resolver Resolver
	ledger   ledger.Ledger
	opts     Options
	logger   logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a writer. A nil ledger records nothing.
func New(store Store, res Resolver, led ledger.Ledger, opts Options, log logger.Logger) *Writer {
	if opts.UsernameField == "" {
		opts.UsernameField = "Username"
	}
	if opts.FollowedField == "" {
		opts.FollowedField = "Followed Accounts"
	}
	if opts.FollowersField == "" {
		opts.FollowersField = "Followers"
	}
	if opts.BatchSize <= 0 || opts.BatchSize > airtable.MaxBatchSize {
		opts.BatchSize = airtable.MaxBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if led == nil {
		led = ledger.NopLedger{}
	}
	return &Writer{
		store:    store,
		resolver: res,
		ledger:   led,
		opts:     opts,
		logger:   logger.OrNop(log).WithField("component", "edges"),
		now:      time.Now,
	}
}

// SetMetrics attaches a metrics sink
func (w *Writer) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

// WriteEdges links follower to every handle in newFollowed. Resolution is
// all-or-nothing and happens before any write. The followed side is written
// first and only completed edges are then unioned into the follower's field,
// so a handle whose followed side failed is still unknown to the next run.
// Failures are per batch and reported; the returned error is set only when
// the follower side could not be written or the context ended.
func (w *Writer) WriteEdges(ctx context.Context, follower models.Account, newFollowed models.Set) (WriteReport, error) {
	const op = "edges.WriteEdges"
	var report WriteReport

	if newFollowed.Len() == 0 {
		return report, nil
	}
	if follower.RecordID == "" {
		return report, errs.New(errs.ErrorTypeValidation, op, "follower record id is required")
	}
	log := w.logger.WithField("target", follower.Handle)

	ids, err := w.resolver.Resolve(ctx, newFollowed)
	if err != nil {
		return report, fmt.Errorf("resolve followed accounts: %w", err)
	}

	written, err := w.writeFollowedSide(ctx, log, follower, ids, &report)

	if len(written) > 0 {
		fctx := ctx
		if ctx.Err() != nil {
			// finish edges whose followed side already landed
			fctx = context.WithoutCancel(ctx)
		}
		if ferr := w.unionFollowed(fctx, follower, written); ferr != nil {
			log.ErrorWithFields("follower update failed", map[string]interface{}{
				"handles": len(written),
				"error":   ferr.Error(),
				"payload": payloadOf(ferr),
			})
			report.fail(ferr, sortedKeys(written)...)
			written = nil
			if err == nil {
				err = ferr
			}
		}
	}

	report.Succeeded = len(written)
	sort.Strings(report.FailedHandles)
	w.metrics.AddEdges(report.Succeeded, report.Failed)

	w.record(ctx, log, follower, sortedKeys(written))

	log.InfoWithFields("edges written", map[string]interface{}{
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
	})
	return report, err
}

// unionFollowed adds ids to the follower's followed field
func (w *Writer) unionFollowed(ctx context.Context, follower models.Account, ids map[string]string) error {
	rec, err := w.store.Get(ctx, w.opts.Table, follower.RecordID)
	if err != nil {
		return err
	}

	current := models.NewSet(rec.LinkedIDs(w.opts.FollowedField)...)
	merged := current.Clone()
	for _, id := range ids {
		merged.Add(id)
	}
	if merged.Len() == current.Len() {
		return nil
	}

	_, err = w.store.Update(ctx, w.opts.Table, []airtable.Record{{
		ID:     follower.RecordID,
		Fields: map[string]interface{}{w.opts.FollowedField: merged.Sorted()},
	}})
	return err
}

type pendingUpdate struct {
	handle string
	id     string
	record airtable.Record
}

// writeFollowedSide appends the follower to each followed record's
// followers field. It returns handle to id for every edge whose followed
// side is now in place, including ones that already were.
func (w *Writer) writeFollowedSide(ctx context.Context, log logger.Logger, follower models.Account, ids map[string]string, report *WriteReport) (map[string]string, error) {
	records, ids, err := w.fetchFollowed(ctx, log, ids, report)
	if err != nil {
		return nil, err
	}

	handles := sortedKeys(ids)
	written := make(map[string]string, len(ids))
	var updates []pendingUpdate
	for _, h := range handles {
		id := ids[h]
		followers := models.NewSet(records[id].LinkedIDs(w.opts.FollowersField)...)
		if !followers.Add(follower.RecordID) {
			written[h] = id
			continue
		}
		updates = append(updates, pendingUpdate{
			handle: h,
			id:     id,
			record: airtable.Record{ID: id, Fields: map[string]interface{}{w.opts.FollowersField: followers.Sorted()}},
		})
	}

	batches := airtable.Chunk(updates, w.opts.BatchSize)
	jobs := make([]pool.Job, 0, len(batches))
	for i, batch := range batches {
		recs := make([]airtable.Record, 0, len(batch))
		for _, u := range batch {
			recs = append(recs, u.record)
		}
		jobs = append(jobs, pool.Job{
			ID:    i,
			Label: fmt.Sprintf("followers batch %d/%d", i+1, len(batches)),
			Run: func(ctx context.Context) error {
				_, err := w.store.Update(ctx, w.opts.Table, recs)
				return err
			},
		})
	}

	var canceled error
	for _, res := range pool.Run(ctx, w.opts.Concurrency, pool.Pacer(w.opts.BatchDelay), w.logger, jobs) {
		batch := batches[res.Job.ID]
		batchHandles := make([]string, 0, len(batch))
		for _, u := range batch {
			batchHandles = append(batchHandles, u.handle)
		}

		switch {
		case res.Success():
			for _, u := range batch {
				written[u.handle] = u.id
			}
		case res.Skipped:
			report.fail(nil, batchHandles...)
			canceled = res.Error
		case errs.Is(res.Error, errs.ErrorTypeValidation):
			log.ErrorWithFields("followers batch rejected, dropping it", map[string]interface{}{
				"batch":   res.Job.Label,
				"handles": batchHandles,
				"error":   res.Error.Error(),
				"payload": payloadOf(res.Error),
			})
			report.fail(res.Error, batchHandles...)
		default:
			log.WarnWithFields("followers batch failed", map[string]interface{}{
				"batch":   res.Job.Label,
				"handles": batchHandles,
				"error":   res.Error.Error(),
			})
			report.fail(res.Error, batchHandles...)
		}
	}

	if canceled != nil {
		report.Errors = append(report.Errors, canceled)
		return written, canceled
	}
	return written, nil
}

// fetchFollowed loads the followed records. Ids with no record are usually
// stale cache entries, so those handles are re-resolved once and fetched
// again. Handles still without a record are reported as failed and left out
// of the returned ids.
func (w *Writer) fetchFollowed(ctx context.Context, log logger.Logger, ids map[string]string, report *WriteReport) (map[string]airtable.Record, map[string]string, error) {
	records, err := w.fetch(ctx, sortedValues(ids))
	if err != nil {
		report.fail(err, sortedKeys(ids)...)
		return nil, nil, err
	}

	missing := models.NewSet()
	for h, id := range ids {
		if _, ok := records[id]; !ok {
			missing.Add(h)
		}
	}
	if missing.Len() == 0 {
		return records, ids, nil
	}

	log.WarnWithFields("followed records missing, re-resolving", map[string]interface{}{
		"handles": missing.Sorted(),
	})
	w.resolver.Invalidate(missing.Sorted()...)
	fresh, err := w.resolver.Resolve(ctx, missing)
	if err == nil {
		var more map[string]airtable.Record
		more, err = w.fetch(ctx, sortedValues(fresh))
		for id, rec := range more {
			records[id] = rec
		}
	}

	out := make(map[string]string, len(ids))
	for h, id := range ids {
		if !missing.Has(h) {
			out[h] = id
		}
	}
	if err != nil {
		report.fail(fmt.Errorf("re-resolve followed accounts: %w", err), missing.Sorted()...)
		return records, out, nil
	}
	for _, h := range missing.Sorted() {
		id := fresh[h]
		if _, ok := records[id]; !ok {
			report.fail(errs.New(errs.ErrorTypeNotFound, "edges.WriteEdges", fmt.Sprintf("record %s for %s not found", id, h)), h)
			continue
		}
		out[h] = id
	}
	return records, out, nil
}

// fetch loads records by id, keyed by id
func (w *Writer) fetch(ctx context.Context, ids []string) (map[string]airtable.Record, error) {
	out := make(map[string]airtable.Record, len(ids))
	for _, formula := range airtable.RecordIDFormulas(ids, w.opts.MaxFormulaLength) {
		recs, err := w.store.List(ctx, w.opts.Table, airtable.ListOptions{
			Formula: formula,
			Fields:  []string{w.opts.UsernameField, w.opts.FollowersField},
		})
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			out[r.ID] = r
		}
	}
	return out, nil
}

func (w *Writer) record(ctx context.Context, log logger.Logger, follower models.Account, written []string) {
	if len(written) == 0 {
		return
	}
	now := w.now().UTC()
	edges := make([]models.FollowEdge, 0, len(written))
	for _, h := range written {
		edges = append(edges, models.FollowEdge{Follower: follower.Handle, Followed: h, FirstObservedAt: now})
	}

	// The ledger is a history; a failure here does not undo store writes
	if _, err := w.ledger.Record(context.WithoutCancel(ctx), edges); err != nil {
		log.WarnWithFields("failed to record edges in ledger", map[string]interface{}{
			"count": len(edges),
			"error": err.Error(),
		})
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedValues(m map[string]string) []string {
	values := make([]string, 0, len(m))
	for _, v := range m {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

func payloadOf(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Payload
	}
	return ""
}
