package syncer

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followsync/internal/browsertest"
	"followsync/internal/storetest"
	"followsync/pkg/airtable"
	"followsync/pkg/cache"
	"followsync/pkg/checkpoint"
	"followsync/pkg/config"
	errs "followsync/pkg/errors"
	"followsync/pkg/ledger"
	"followsync/pkg/lock"
	"followsync/pkg/logger"
	"followsync/pkg/metrics"
	"followsync/pkg/models"
	"followsync/pkg/retry"
)

const accounts = "Accounts"

type fixture struct {
	t       *testing.T
	cfg     *config.Config
	srv     *storetest.Server
	client  *airtable.Client
	opener  *browsertest.Opener
	ledger  *ledger.MemoryLedger
	history *checkpoint.Manager
	log     *logger.TestLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := storetest.New(t)
	client, err := airtable.NewClient(airtable.Options{
		BaseURL: srv.URL,
		BaseID:  storetest.BaseID,
		Token:   storetest.Token,
		Retry: retry.NewPolicy(&retry.Config{
			MaxAttempts: 2,
			Backoff:     retry.UniformBackoff(&retry.ConstantBackoff{Delay: time.Millisecond}),
		}),
	})
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Store.Table = accounts
	cfg.Browser.ProfileBaseURL = "https://x.com"
	cfg.Browser.ScreenshotDir = filepath.Join(dir, "screenshots")
	cfg.Scrape.InitialWait = 10 * time.Millisecond
	cfg.Scrape.MinPause = 0
	cfg.Scrape.MaxPause = 0
	cfg.Scrape.MaxAttempts = 2
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Sync.BatchDelay = 0

	history, err := checkpoint.NewManager(filepath.Join(dir, "history.json"), nil)
	require.NoError(t, err)

	return &fixture{
		t:       t,
		cfg:     cfg,
		srv:     srv,
		client:  client,
		opener:  &browsertest.Opener{},
		ledger:  ledger.NewMemory(),
		history: history,
		log:     logger.NewTestLogger(),
	}
}

func (f *fixture) syncer(rc RunContext) *Syncer {
	if rc.Logger == nil {
		rc.Logger = f.log
	}
	if rc.Metrics == nil {
		rc.Metrics = metrics.New()
	}
	return New(rc, f.cfg, Deps{
		Store:   f.client,
		Opener:  f.opener,
		Ledger:  f.ledger,
		History: f.history,
	})
}

func (f *fixture) id(handle string) string {
	f.t.Helper()
	rec, ok := f.srv.FindBy(accounts, "Username", handle)
	require.True(f.t, ok, "record for %s", handle)
	return rec.ID
}

// listing serves a following page that shows handles on every scroll
func listing(handles ...string) func() *browsertest.Page {
	hrefs := make([]string, 0, len(handles)+2)
	for _, h := range handles {
		hrefs = append(hrefs, "https://x.com/"+h)
	}
	hrefs = append(hrefs, "https://x.com/search?q=go", "https://x.com/alice/followers")
	return func() *browsertest.Page {
		return &browsertest.Page{Snapshots: [][]string{hrefs}}
	}
}

func TestSyncDiscoversAndLinksFollows(t *testing.T) {
	f := newFixture(t)
	f.opener.New = listing("bob", "carol")

	summary, err := f.syncer(RunContext{}).Run(context.Background(), []string{"@Alice"})
	require.NoError(t, err)
	require.Len(t, summary.Reports, 1)

	r := summary.Reports[0]
	assert.Equal(t, "alice", r.TargetHandle)
	assert.Equal(t, StateDone, r.State)
	assert.Equal(t, 2, r.NewFollowsFound)
	assert.Equal(t, 2, r.EdgesWritten)
	assert.Zero(t, r.EdgesFailed)
	assert.Empty(t, r.Errors)
	assert.True(t, summary.OK())

	alice, bob, carol := f.id("alice"), f.id("bob"), f.id("carol")
	assert.ElementsMatch(t, []string{bob, carol}, f.srv.Links(accounts, alice, "Followed Accounts"))
	assert.Equal(t, []string{alice}, f.srv.Links(accounts, bob, "Followers"))
	assert.Equal(t, []string{alice}, f.srv.Links(accounts, carol, "Followers"))
	assert.Equal(t, 2, f.ledger.Len())

	for _, p := range f.opener.Opened() {
		assert.True(t, p.Closed(), "browser session released")
	}

	entry, ok, err := f.history.Get("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(StateDone), entry.State)
	assert.Equal(t, 2, entry.EdgesWritten)
	assert.Equal(t, summary.RunID, entry.RunID)
}

func TestSecondRunFindsNothingNew(t *testing.T) {
	f := newFixture(t)
	f.opener.New = listing("bob", "carol")

	_, err := f.syncer(RunContext{}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)
	f.srv.ResetRequests()

	// A new run starts with a cold cache and learns known follows from the store
	summary, err := f.syncer(RunContext{}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)

	r := summary.Reports[0]
	assert.Equal(t, StateDone, r.State)
	assert.Zero(t, r.NewFollowsFound)
	assert.Zero(t, r.EdgesWritten)
	assert.Zero(t, f.srv.CountRequests(http.MethodPatch))
	assert.Zero(t, f.srv.CountRequests(http.MethodPost))
	assert.Len(t, f.srv.Records(accounts), 3)
	assert.Len(t, f.opener.Opened(), 2, "one session per target per run")
}

func TestSyncKeepsExistingFollows(t *testing.T) {
	f := newFixture(t)
	dave := f.srv.Seed(accounts, map[string]interface{}{"Username": "dave"})
	alice := f.srv.Seed(accounts, map[string]interface{}{"Username": "alice", "Followed Accounts": []string{dave}})
	f.opener.New = listing("bob")

	summary, err := f.syncer(RunContext{}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)

	r := summary.Reports[0]
	assert.Equal(t, 1, r.NewFollowsFound, "dave is already known from the store")
	assert.ElementsMatch(t, []string{dave, f.id("bob")}, f.srv.Links(accounts, alice, "Followed Accounts"))
}

func TestListingNeverRendersInvalidatesSession(t *testing.T) {
	f := newFixture(t)
	page := &browsertest.Page{NeverRender: true}
	f.opener.Pages = []*browsertest.Page{page}

	summary, err := f.syncer(RunContext{}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)

	r := summary.Reports[0]
	assert.Equal(t, StateFailed, r.State)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "never rendered")
	assert.Len(t, page.Screenshots(), 2, "one capture per attempt")
	assert.True(t, page.Closed())
	assert.True(t, f.log.HasMessage("target failed"))
}

func TestExtractReclassifiesExhaustedRenderFailures(t *testing.T) {
	f := newFixture(t)
	f.opener.New = func() *browsertest.Page { return &browsertest.Page{NeverRender: true} }

	s := f.syncer(RunContext{})
	_, err := s.extract(context.Background(), logger.NewNopLogger(), "alice", models.NewSet())
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeSessionInvalid, errs.TypeOf(err))

	var e *errs.Error
	require.True(t, errs.As(err, &e))
	assert.Equal(t, 2, e.Attempts)
}

func TestMissingTargetIsNotRetried(t *testing.T) {
	f := newFixture(t)
	page := &browsertest.Page{NeverRender: true, BodyText: "Hmm... This account doesn't exist"}
	f.opener.Pages = []*browsertest.Page{page}

	s := f.syncer(RunContext{})
	_, err := s.extract(context.Background(), logger.NewNopLogger(), "ghost", models.NewSet())
	assert.Equal(t, errs.ErrorTypePermanentTargetMissing, errs.TypeOf(err))
	assert.Empty(t, page.Screenshots())
	assert.Equal(t, 1, len(page.Visited()), "permanent failures are returned on the first attempt")
}

func TestRejectedBatchYieldsPartiallyComplete(t *testing.T) {
	f := newFixture(t)
	f.cfg.Store.BatchSize = 1
	carol := f.srv.Seed(accounts, map[string]interface{}{"Username": "carol"})
	f.srv.AddRule(func(req storetest.Request) (int, string, string) {
		if req.Method == http.MethodPatch && strings.Contains(req.Body, `"Followers"`) && strings.Contains(req.Body, carol+`"`) && !strings.Contains(req.Body, `"Followed Accounts"`) {
			return http.StatusUnprocessableEntity, "", `{"error":{"type":"INVALID_VALUE_FOR_COLUMN","message":"rejected"}}`
		}
		return 0, "", ""
	})
	f.opener.New = listing("bob", "carol")

	summary, err := f.syncer(RunContext{}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)

	r := summary.Reports[0]
	assert.Equal(t, StatePartiallyComplete, r.State)
	assert.Equal(t, 2, r.NewFollowsFound)
	assert.Equal(t, 1, r.EdgesWritten)
	assert.Equal(t, 1, r.EdgesFailed)
	assert.Len(t, r.Errors, 1)
	assert.False(t, summary.OK())
}

func TestFailedEdgeIsCompletedByNextRun(t *testing.T) {
	f := newFixture(t)
	f.cfg.Store.BatchSize = 1
	carol := f.srv.Seed(accounts, map[string]interface{}{"Username": "carol"})
	f.srv.AddRule(func(req storetest.Request) (int, string, string) {
		if req.Method == http.MethodPatch && strings.Contains(req.Body, `"Followers"`) && strings.Contains(req.Body, carol+`"`) && !strings.Contains(req.Body, `"Followed Accounts"`) {
			return http.StatusServiceUnavailable, "", `{"error":{"type":"SERVICE_UNAVAILABLE","message":"try again"}}`
		}
		return 0, "", ""
	})
	f.opener.New = listing("bob", "carol")

	summary, err := f.syncer(RunContext{}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)
	r := summary.Reports[0]
	assert.Equal(t, StatePartiallyComplete, r.State)
	assert.Equal(t, 1, r.EdgesWritten)
	assert.Equal(t, 1, r.EdgesFailed)

	alice, bob := f.id("alice"), f.id("bob")
	assert.Equal(t, []string{bob}, f.srv.Links(accounts, alice, "Followed Accounts"), "the failed edge is not recorded on either side")
	assert.Empty(t, f.srv.Links(accounts, carol, "Followers"))

	f.srv.ClearRules()
	summary, err = f.syncer(RunContext{}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)
	r = summary.Reports[0]
	assert.Equal(t, StateDone, r.State)
	assert.Equal(t, 1, r.NewFollowsFound, "carol is rediscovered")
	assert.Equal(t, 1, r.EdgesWritten)

	assert.ElementsMatch(t, []string{bob, carol}, f.srv.Links(accounts, alice, "Followed Accounts"))
	assert.Equal(t, []string{alice}, f.srv.Links(accounts, carol, "Followers"))
	assert.Equal(t, []string{alice}, f.srv.Links(accounts, bob, "Followers"))
}

func TestStaleFollowerRecordIsReResolved(t *testing.T) {
	f := newFixture(t)
	shared := cache.NewMemory(time.Hour)
	f.opener.New = listing("bob")

	summary, err := f.syncer(RunContext{Cache: shared}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)
	require.Equal(t, StateDone, summary.Reports[0].State)

	old := f.id("alice")
	f.srv.Remove(accounts, old)

	summary, err = f.syncer(RunContext{Cache: shared}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)
	r := summary.Reports[0]
	assert.Equal(t, StateDone, r.State, "errors: %v", r.Errors)
	assert.Empty(t, r.Errors)
	assert.True(t, f.log.HasMessage("follower record missing, re-resolving"))

	alice := f.id("alice")
	assert.NotEqual(t, old, alice)
	cached, ok := shared.Get("alice")
	assert.True(t, ok)
	assert.Equal(t, alice, cached)
	assert.Equal(t, []string{f.id("bob")}, f.srv.Links(accounts, alice, "Followed Accounts"))
}

func TestMissingTargetIsReported(t *testing.T) {
	f := newFixture(t)
	f.opener.Pages = []*browsertest.Page{{NeverRender: true, BodyText: "This account doesn't exist"}}

	summary, err := f.syncer(RunContext{}).Run(context.Background(), []string{"ghost"})
	require.NoError(t, err)

	r := summary.Reports[0]
	assert.Equal(t, StateFailed, r.State)
	assert.True(t, r.TargetMissing)
	assert.Equal(t, []string{"ghost"}, summary.MissingTargets())

	entry, ok, err := f.history.Get("ghost")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.TargetMissing)
}

func TestNothingWrittenIsFailed(t *testing.T) {
	f := newFixture(t)
	f.srv.AddRule(func(req storetest.Request) (int, string, string) {
		if req.Method == http.MethodPatch && strings.Contains(req.Body, `"Followers"`) && !strings.Contains(req.Body, `"Followed Accounts"`) {
			return http.StatusUnprocessableEntity, "", `{"error":{"type":"INVALID_VALUE_FOR_COLUMN","message":"rejected"}}`
		}
		return 0, "", ""
	})
	f.opener.New = listing("bob", "carol")

	summary, err := f.syncer(RunContext{}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)

	r := summary.Reports[0]
	assert.Equal(t, StateFailed, r.State)
	assert.Zero(t, r.EdgesWritten)
	assert.Equal(t, 2, r.EdgesFailed)
}

func TestDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.cfg.Sync.DryRun = true
	f.opener.New = listing("bob", "carol")

	summary, err := f.syncer(RunContext{}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)
	assert.True(t, summary.DryRun)

	r := summary.Reports[0]
	assert.Equal(t, StateDone, r.State)
	assert.Equal(t, 2, r.NewFollowsFound)
	assert.Equal(t, []string{"bob", "carol"}, r.NewHandles)
	assert.Empty(t, f.srv.Records(accounts))
	assert.Zero(t, f.srv.CountRequests(http.MethodPost))
	assert.Zero(t, f.srv.CountRequests(http.MethodPatch))
	assert.False(t, f.history.Exists(), "dry runs leave no history")
}

func TestBrowserFailureDoesNotStopOtherTargets(t *testing.T) {
	f := newFixture(t)
	f.opener.Err = errs.New(errs.ErrorTypeSessionInvalid, "browser.Open", "auth cookie expired")

	summary, err := f.syncer(RunContext{}).Run(context.Background(), []string{"alice", "bob", "alice"})
	require.NoError(t, err)
	require.Len(t, summary.Reports, 2, "duplicate targets are dropped")
	for _, r := range summary.Reports {
		assert.Equal(t, StateFailed, r.State)
		require.Len(t, r.Errors, 1)
		assert.Contains(t, r.Errors[0], "auth cookie expired")
	}
	assert.Equal(t, 2, summary.Count(StateFailed))
}

func TestRunHoldsLock(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "followsync.lock")

	other := lock.New(path)
	require.NoError(t, other.Acquire())

	_, err := f.syncer(RunContext{Lock: lock.New(path)}).Run(context.Background(), []string{"alice"})
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.Empty(t, f.opener.Opened())

	require.NoError(t, other.Release())
	f.opener.New = listing()
	l := lock.New(path)
	_, err = f.syncer(RunContext{Lock: l}).Run(context.Background(), []string{"alice"})
	require.NoError(t, err)
	assert.False(t, l.Held(), "released after the run")
}

func TestCanceledRunSkipsTargets(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.syncer(RunContext{}).Run(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	require.Len(t, summary.Reports, 2)
	for _, r := range summary.Reports {
		assert.Equal(t, StateFailed, r.State)
		assert.Contains(t, r.Errors[0], "canceled")
	}
	assert.Empty(t, f.opener.Opened())
}

func TestRunRequiresTargets(t *testing.T) {
	f := newFixture(t)
	_, err := f.syncer(RunContext{}).Run(context.Background(), []string{" ", "@"})
	assert.Equal(t, errs.ErrorTypeConfig, errs.TypeOf(err))
}

func TestRunIDDefaults(t *testing.T) {
	f := newFixture(t)
	assert.NotEmpty(t, f.syncer(RunContext{}).RunID())
	assert.Equal(t, "run-7", f.syncer(RunContext{RunID: "run-7"}).RunID())
}
