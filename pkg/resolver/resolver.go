// Package resolver maps account handles to record ids in the remote store,
// creating records for handles the store has never seen.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"followsync/pkg/airtable"
	"followsync/pkg/cache"
	"followsync/pkg/config"
	errs "followsync/pkg/errors"
	"followsync/pkg/logger"
	"followsync/pkg/metrics"
	"followsync/pkg/models"
)

// Store is the subset of the record store the resolver needs
type Store interface {
	List(ctx context.Context, table string, opts airtable.ListOptions) ([]airtable.Record, error)
	Create(ctx context.Context, table string, records []airtable.Record) ([]airtable.Record, error)
	Upsert(ctx context.Context, table string, records []airtable.Record, mergeOn []string) (airtable.UpsertResult, error)
}

// Options configures lookups and creation
type Options struct {
	Table            string
	UsernameField    string
	BatchSize        int
	MaxFormulaLength int
	Concurrency      int
	// Upsert creates through performUpsert instead of re-query then create
	Upsert   bool
	CacheTTL time.Duration
}

// OptionsFromConfig builds Options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Table:            cfg.Store.Table,
		UsernameField:    cfg.Store.Fields.Username,
		BatchSize:        cfg.Store.BatchSize,
		MaxFormulaLength: cfg.Store.MaxFormulaLength,
		Concurrency:      cfg.Sync.Concurrency,
		Upsert:           cfg.Store.Upsert,
		CacheTTL:         cfg.Cache.TTL,
	}
}

// Resolver resolves handles through the cache first and the store second
type Resolver struct {
	store   Store
	cache   cache.Cache
	opts    Options
	logger  logger.Logger
	metrics *metrics.Metrics
}

// New creates a resolver. A nil cache disables caching.
func New(store Store, c cache.Cache, opts Options, log logger.Logger) *Resolver {
	if opts.UsernameField == "" {
		opts.UsernameField = "Username"
	}
	if opts.BatchSize <= 0 || opts.BatchSize > airtable.MaxBatchSize {
		opts.BatchSize = airtable.MaxBatchSize
	}
	if opts.MaxFormulaLength <= 0 {
		opts.MaxFormulaLength = airtable.DefaultMaxFormulaLength
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if c == nil {
		c = cache.NewMemory(0)
	}
	return &Resolver{
		store:  store,
		cache:  c,
		opts:   opts,
		logger: logger.OrNop(log).WithField("component", "resolver"),
	}
}

// SetMetrics attaches a metrics sink
func (r *Resolver) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Invalidate drops cached ids for handles known to be stale
func (r *Resolver) Invalidate(handles ...string) {
	for _, h := range handles {
		r.cache.Invalidate(models.Normalize(h))
	}
}

// Resolve returns a record id for every handle, creating missing records.
// The result covers all of handles or an error is returned.
func (r *Resolver) Resolve(ctx context.Context, handles models.Set) (map[string]string, error) {
	const op = "resolver.Resolve"

	result := make(map[string]string, handles.Len())
	var misses []string
	for _, h := range handles.Sorted() {
		if id, ok := r.cache.Get(h); ok {
			result[h] = id
			r.metrics.RecordCacheLookup(true)
			continue
		}
		r.metrics.RecordCacheLookup(false)
		misses = append(misses, h)
	}
	if len(misses) == 0 {
		return result, nil
	}

	found, err := r.lookup(ctx, misses)
	if err != nil {
		return nil, err
	}
	r.remember(result, found)

	var missing []string
	for _, h := range misses {
		if _, ok := result[h]; !ok {
			missing = append(missing, h)
		}
	}

	if len(missing) > 0 {
		created, err := r.create(ctx, missing)
		if err != nil {
			return nil, err
		}
		r.remember(result, created)
		r.logger.InfoWithFields("created account records", map[string]interface{}{
			"count": len(created),
		})
	}

	var unresolved []string
	for _, h := range handles.Sorted() {
		if _, ok := result[h]; !ok {
			unresolved = append(unresolved, h)
		}
	}
	if len(unresolved) > 0 {
		return nil, errs.New(errs.ErrorTypeValidation, op,
			fmt.Sprintf("unresolved handles: %s", strings.Join(unresolved, ", ")))
	}

	r.logger.DebugWithFields("handles resolved", map[string]interface{}{
		"total":       handles.Len(),
		"cache_hits":  handles.Len() - len(misses),
		"store_found": len(found),
		"created":     len(missing),
	})
	return result, nil
}

// Lookup queries the store for handles without creating anything. Handles
// the store does not hold are absent from the result.
func (r *Resolver) Lookup(ctx context.Context, handles models.Set) (map[string]string, error) {
	found, err := r.lookup(ctx, handles.Sorted())
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(found))
	r.remember(result, found)
	return result, nil
}

// ResolveIDs maps record ids back to handles. Ids the store no longer holds
// are absent from the result.
func (r *Resolver) ResolveIDs(ctx context.Context, ids []string) (map[string]string, error) {
	formulas := airtable.RecordIDFormulas(unique(ids), r.opts.MaxFormulaLength)
	records, err := r.listAll(ctx, formulas)
	if err != nil {
		return nil, err
	}

	result := make(map[string]string, len(records))
	for _, rec := range records {
		h := airtable.HandleField(rec, r.opts.UsernameField)
		if h == "" {
			continue
		}
		result[rec.ID] = h
		r.cache.Put(h, rec.ID, r.opts.CacheTTL)
	}

	if missing := len(unique(ids)) - len(result); missing > 0 {
		r.logger.WarnWithFields("linked records not found", map[string]interface{}{
			"missing": missing,
		})
	}
	return result, nil
}

// lookup returns handle -> id for the handles present in the store
func (r *Resolver) lookup(ctx context.Context, handles []string) (map[string]string, error) {
	if len(handles) == 0 {
		return map[string]string{}, nil
	}
	formulas := airtable.UsernameFormulas(r.opts.UsernameField, handles, r.opts.MaxFormulaLength)
	records, err := r.listAll(ctx, formulas)
	if err != nil {
		return nil, err
	}

	wanted := models.NewSet(handles...)
	found := make(map[string]string, len(records))
	for _, rec := range records {
		h := airtable.HandleField(rec, r.opts.UsernameField)
		if !wanted.Has(h) {
			continue
		}
		if existing, dup := found[h]; dup {
			r.logger.WarnWithFields("duplicate account records", map[string]interface{}{
				"handle": h,
				"kept":   existing,
				"extra":  rec.ID,
			})
			continue
		}
		found[h] = rec.ID
	}
	return found, nil
}

// listAll runs every formula with bounded concurrency and concatenates the
// matches in formula order
func (r *Resolver) listAll(ctx context.Context, formulas []string) ([]airtable.Record, error) {
	pages := make([][]airtable.Record, len(formulas))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, formula := range formulas {
		i, formula := i, formula
		g.Go(func() error {
			recs, err := r.store.List(gctx, r.opts.Table, airtable.ListOptions{
				Formula: formula,
				Fields:  []string{r.opts.UsernameField},
			})
			if err != nil {
				return err
			}
			pages[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []airtable.Record
	for _, p := range pages {
		out = append(out, p...)
	}
	return out, nil
}

// create makes records for handles, in chunks of at most BatchSize
func (r *Resolver) create(ctx context.Context, handles []string) (map[string]string, error) {
	created := make(map[string]string, len(handles))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, chunk := range airtable.Chunk(handles, r.opts.BatchSize) {
		chunk := chunk
		g.Go(func() error {
			got, err := r.createChunk(gctx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			for h, id := range got {
				created[h] = id
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return created, nil
}

func (r *Resolver) createChunk(ctx context.Context, chunk []string) (map[string]string, error) {
	out := make(map[string]string, len(chunk))

	if r.opts.Upsert {
		res, err := r.store.Upsert(ctx, r.opts.Table, r.newRecords(chunk), []string{r.opts.UsernameField})
		if err != nil {
			return nil, err
		}
		r.collect(out, res.Records)
		return out, nil
	}

	// Another writer may have created some of these since the first lookup;
	// the window between this query and the create remains
	existing, err := r.lookup(ctx, chunk)
	if err != nil {
		return nil, err
	}
	var fresh []string
	for _, h := range chunk {
		if id, ok := existing[h]; ok {
			out[h] = id
			continue
		}
		fresh = append(fresh, h)
	}
	if len(fresh) == 0 {
		return out, nil
	}

	recs, err := r.store.Create(ctx, r.opts.Table, r.newRecords(fresh))
	if err != nil {
		return nil, err
	}
	r.collect(out, recs)
	return out, nil
}

func (r *Resolver) newRecords(handles []string) []airtable.Record {
	recs := make([]airtable.Record, 0, len(handles))
	for _, h := range handles {
		recs = append(recs, airtable.Record{Fields: map[string]interface{}{r.opts.UsernameField: h}})
	}
	return recs
}

func (r *Resolver) collect(out map[string]string, recs []airtable.Record) {
	for _, rec := range recs {
		if h := airtable.HandleField(rec, r.opts.UsernameField); h != "" && rec.ID != "" {
			out[h] = rec.ID
		}
	}
}

// remember copies found into result and the cache
func (r *Resolver) remember(result, found map[string]string) {
	for h, id := range found {
		result[h] = id
		r.cache.Put(h, id, r.opts.CacheTTL)
	}
}

func unique(ids []string) []string {
	return models.NewSet(ids...).Sorted()
}
