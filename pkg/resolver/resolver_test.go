package resolver

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followsync/internal/storetest"
	"followsync/pkg/airtable"
	"followsync/pkg/cache"
	errs "followsync/pkg/errors"
	"followsync/pkg/models"
	"followsync/pkg/retry"
)

const accounts = "Accounts"

func newClient(t *testing.T, srv *storetest.Server) *airtable.Client {
	t.Helper()
	c, err := airtable.NewClient(airtable.Options{
		BaseURL: srv.URL,
		BaseID:  storetest.BaseID,
		Token:   storetest.Token,
		Retry: retry.NewPolicy(&retry.Config{
			MaxAttempts: 3,
			Backoff:     retry.UniformBackoff(&retry.ConstantBackoff{Delay: time.Millisecond}),
		}),
	})
	require.NoError(t, err)
	return c
}

func newResolver(t *testing.T, srv *storetest.Server, c cache.Cache, opts Options) *Resolver {
	t.Helper()
	opts.Table = accounts
	return New(newClient(t, srv), c, opts, nil)
}

func TestResolveFetchOrCreate(t *testing.T) {
	srv := storetest.New(t)
	bobID := srv.Seed(accounts, map[string]interface{}{"Username": "Bob"})

	r := newResolver(t, srv, nil, Options{Upsert: true})
	got, err := r.Resolve(context.Background(), models.NewSet("bob", "carol"))
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, bobID, got["bob"], "existing records match case-insensitively")

	carol, ok := srv.FindBy(accounts, "Username", "carol")
	require.True(t, ok)
	assert.Equal(t, carol.ID, got["carol"])
	assert.Len(t, srv.Records(accounts), 2, "no duplicate for the mixed-case handle")
}

func TestResolveWithoutUpsertRequeriesBeforeCreate(t *testing.T) {
	srv := storetest.New(t)
	srv.Seed(accounts, map[string]interface{}{"Username": "x"})

	r := newResolver(t, srv, nil, Options{Upsert: false})
	got, err := r.Resolve(context.Background(), models.NewSet("x", "new1", "new2"))
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Len(t, srv.Records(accounts), 3)

	// Initial lookup plus the re-query, then one create
	assert.Equal(t, 2, srv.CountRequests(http.MethodGet))
	assert.Equal(t, 1, srv.CountRequests(http.MethodPost))
}

func TestResolveUsesCache(t *testing.T) {
	srv := storetest.New(t)
	c := cache.NewMemory(time.Hour)

	r := newResolver(t, srv, c, Options{Upsert: true})
	first, err := r.Resolve(context.Background(), models.NewSet("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	srv.ResetRequests()
	second, err := r.Resolve(context.Background(), models.NewSet("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Empty(t, srv.Requests(), "all hits are served from the cache")
}

func TestResolveIsIdempotent(t *testing.T) {
	srv := storetest.New(t)
	r := newResolver(t, srv, nil, Options{Upsert: true})

	first, err := r.Resolve(context.Background(), models.NewSet("a", "b", "c"))
	require.NoError(t, err)

	// A fresh resolver has an empty cache and must find the same records
	again := newResolver(t, srv, nil, Options{Upsert: true})
	second, err := again.Resolve(context.Background(), models.NewSet("a", "b", "c"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, srv.Records(accounts), 3)
}

func TestResolveSplitsLongFormulas(t *testing.T) {
	srv := storetest.New(t)
	handles := models.NewSet()
	for _, h := range []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel"} {
		handles.Add(h)
		srv.Seed(accounts, map[string]interface{}{"Username": h})
	}

	r := newResolver(t, srv, nil, Options{MaxFormulaLength: 80, Concurrency: 2})
	got, err := r.Resolve(context.Background(), handles)
	require.NoError(t, err)
	assert.Len(t, got, 8)

	gets := 0
	for _, req := range srv.Requests() {
		if req.Method != http.MethodGet {
			continue
		}
		gets++
		assert.LessOrEqual(t, len(req.Query.Get("filterByFormula")), 80)
	}
	assert.Greater(t, gets, 1)
}

func TestResolveChunksCreates(t *testing.T) {
	srv := storetest.New(t)
	handles := models.NewSet()
	for i := 0; i < 23; i++ {
		handles.Add("h" + string(rune('a'+i)))
	}

	r := newResolver(t, srv, nil, Options{Upsert: true, BatchSize: 10})
	got, err := r.Resolve(context.Background(), handles)
	require.NoError(t, err)
	assert.Len(t, got, 23)
	assert.Equal(t, 3, srv.CountRequests(http.MethodPatch))
}

type dropStore struct {
	Store
	drop string
}

// Upsert pretends the store silently ignored one record
func (d dropStore) Upsert(ctx context.Context, table string, recs []airtable.Record, mergeOn []string) (airtable.UpsertResult, error) {
	res, err := d.Store.Upsert(ctx, table, recs, mergeOn)
	var kept []airtable.Record
	for _, rec := range res.Records {
		if airtable.HandleField(rec, "Username") != d.drop {
			kept = append(kept, rec)
		}
	}
	res.Records = kept
	return res, err
}

func TestResolveIsAllOrNothing(t *testing.T) {
	srv := storetest.New(t)
	r := New(dropStore{Store: newClient(t, srv), drop: "b"}, nil, Options{Table: accounts, Upsert: true}, nil)

	got, err := r.Resolve(context.Background(), models.NewSet("a", "b"))
	assert.Nil(t, got)
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeValidation, errs.TypeOf(err))
	assert.Contains(t, err.Error(), "unresolved handles: b")
}

func TestResolvePropagatesStoreErrors(t *testing.T) {
	srv := storetest.New(t)
	srv.FailNext(1, http.StatusUnauthorized, "", "")

	r := newResolver(t, srv, nil, Options{})
	_, err := r.Resolve(context.Background(), models.NewSet("a"))
	assert.Equal(t, errs.ErrorTypeAuth, errs.TypeOf(err))
	assert.Empty(t, srv.Records(accounts))
}

func TestResolveRetriesRateLimitedLookups(t *testing.T) {
	srv := storetest.New(t)
	srv.Seed(accounts, map[string]interface{}{"Username": "a"})
	var limited int32
	srv.AddRule(func(req storetest.Request) (int, string, string) {
		if req.Method == http.MethodGet && atomic.AddInt32(&limited, 1) == 1 {
			return http.StatusTooManyRequests, "0", ""
		}
		return 0, "", ""
	})

	r := newResolver(t, srv, nil, Options{})
	got, err := r.Resolve(context.Background(), models.NewSet("a"))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestResolveEmptySet(t *testing.T) {
	srv := storetest.New(t)
	r := newResolver(t, srv, nil, Options{})

	got, err := r.Resolve(context.Background(), models.NewSet())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, srv.Requests())
}

func TestResolveIDs(t *testing.T) {
	srv := storetest.New(t)
	x := srv.Seed(accounts, map[string]interface{}{"Username": "X"})
	y := srv.Seed(accounts, map[string]interface{}{"Username": "y"})
	c := cache.NewMemory(time.Hour)

	r := newResolver(t, srv, c, Options{})
	got, err := r.ResolveIDs(context.Background(), []string{x, y, x, "recMISSING000000"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{x: "x", y: "y"}, got)

	id, ok := c.Get("x")
	assert.True(t, ok)
	assert.Equal(t, x, id)
}

func TestInvalidate(t *testing.T) {
	c := cache.NewMemory(time.Hour)
	c.Put("bob", "rec1", 0)

	r := New(nil, c, Options{}, nil)
	r.Invalidate("@Bob")

	_, ok := c.Get("bob")
	assert.False(t, ok)
}
