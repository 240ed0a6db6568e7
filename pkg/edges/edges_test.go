package edges

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followsync/internal/storetest"
	"followsync/pkg/airtable"
	"followsync/pkg/cache"
	errs "followsync/pkg/errors"
	"followsync/pkg/ledger"
	"followsync/pkg/logger"
	"followsync/pkg/models"
	"followsync/pkg/resolver"
	"followsync/pkg/retry"
)

const accounts = "Accounts"

type fixture struct {
	srv      *storetest.Server
	client   *airtable.Client
	cache    *cache.FileCache
	resolver *resolver.Resolver
	ledger   *ledger.MemoryLedger
	log      *logger.TestLogger
	writer   *Writer
}

func newFixture(t *testing.T, opts Options) *fixture {
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

	c := cache.NewMemory(time.Hour)
	res := resolver.New(client, c, resolver.Options{Table: accounts, Upsert: true}, nil)
	led := ledger.NewMemory()
	log := logger.NewTestLogger()
	opts.Table = accounts

	return &fixture{
		srv:      srv,
		client:   client,
		cache:    c,
		resolver: res,
		ledger:   led,
		log:      log,
		writer:   New(client, res, led, opts, log),
	}
}

func (f *fixture) seed(handle string, fields map[string]interface{}) string {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["Username"] = handle
	return f.srv.Seed(accounts, fields)
}

func (f *fixture) id(t *testing.T, handle string) string {
	t.Helper()
	rec, ok := f.srv.FindBy(accounts, "Username", handle)
	require.True(t, ok, "record for %s", handle)
	return rec.ID
}

func TestWriteEdgesIsNonDestructive(t *testing.T) {
	f := newFixture(t, Options{})
	x := f.seed("x", nil)
	y := f.seed("y", nil)
	alice := f.seed("alice", map[string]interface{}{"Followed Accounts": []string{x, y}})

	report, err := f.writer.WriteEdges(context.Background(),
		models.Account{Handle: "alice", RecordID: alice}, models.NewSet("z"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Failed)

	z := f.id(t, "z")
	want := []string{x, y, z}
	assert.ElementsMatch(t, want, f.srv.Links(accounts, alice, "Followed Accounts"))
	assert.Equal(t, []string{alice}, f.srv.Links(accounts, z, "Followers"))
}

func TestWriteEdgesKeepsExistingFollowers(t *testing.T) {
	f := newFixture(t, Options{})
	dave := f.seed("dave", nil)
	bob := f.seed("bob", map[string]interface{}{"Followers": []string{dave}})
	alice := f.seed("alice", nil)

	_, err := f.writer.WriteEdges(context.Background(),
		models.Account{Handle: "alice", RecordID: alice}, models.NewSet("bob"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{dave, alice}, f.srv.Links(accounts, bob, "Followers"))
}

func TestWriteEdgesIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 2})
	alice := f.seed("alice", nil)
	follower := models.Account{Handle: "alice", RecordID: alice}
	follows := models.NewSet("a", "b", "c")

	first, err := f.writer.WriteEdges(context.Background(), follower, follows)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Succeeded)

	f.srv.ResetRequests()
	second, err := f.writer.WriteEdges(context.Background(), follower, follows)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Succeeded, "already linked edges count as written")
	assert.Zero(t, f.srv.CountRequests(http.MethodPatch), "nothing left to change")
	assert.Len(t, f.srv.Records(accounts), 4)
	assert.Equal(t, 3, f.ledger.Len())
}

func TestWriteEdgesBatchesFollowedSide(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 2, Concurrency: 2})
	alice := f.seed("alice", nil)
	handles := models.NewSet("a", "b", "c", "d", "e")
	for _, h := range handles.Sorted() {
		f.seed(h, nil)
	}
	f.srv.ResetRequests()

	report, err := f.writer.WriteEdges(context.Background(), models.Account{Handle: "alice", RecordID: alice}, handles)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Succeeded)

	// One follower-side update plus three followed batches of 2, 2 and 1
	assert.Equal(t, 4, f.srv.CountRequests(http.MethodPatch))
	for _, h := range handles.Sorted() {
		assert.Equal(t, []string{alice}, f.srv.Links(accounts, f.id(t, h), "Followers"), h)
	}
}

func TestValidationFailureDropsBatch(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 2})
	alice := f.seed("alice", nil)
	for _, h := range []string{"a", "b", "c", "d"} {
		f.seed(h, nil)
	}
	c := f.id(t, "c")
	f.srv.AddRule(func(req storetest.Request) (int, string, string) {
		if req.Method == http.MethodPatch && strings.Contains(req.Body, `"Followers"`) && strings.Contains(req.Body, c) {
			return http.StatusUnprocessableEntity, "", `{"error":{"type":"INVALID_VALUE_FOR_COLUMN","message":"Field \"Followers\" cannot accept the provided value"}}`
		}
		return 0, "", ""
	})

	report, err := f.writer.WriteEdges(context.Background(),
		models.Account{Handle: "alice", RecordID: alice}, models.NewSet("a", "b", "c", "d"))
	require.NoError(t, err, "a dropped batch is reported, not returned")

	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, []string{"c", "d"}, report.FailedHandles)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, errs.ErrorTypeValidation, errs.TypeOf(report.Errors[0]))

	assert.True(t, f.log.HasMessage("followers batch rejected, dropping it"))
	assert.Empty(t, f.srv.Links(accounts, c, "Followers"))
	assert.Equal(t, []string{alice}, f.srv.Links(accounts, f.id(t, "a"), "Followers"))
	assert.ElementsMatch(t, []string{f.id(t, "a"), f.id(t, "b")}, f.srv.Links(accounts, alice, "Followed Accounts"),
		"dropped edges stay off the follower so the next run finds them again")
	assert.Equal(t, 2, f.ledger.Len(), "only persisted edges reach the ledger")
}

func TestStaleCachedIDIsReResolved(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.seed("alice", nil)
	f.cache.Put("zed", "rec99999999999999", 0)

	report, err := f.writer.WriteEdges(context.Background(),
		models.Account{Handle: "alice", RecordID: alice}, models.NewSet("zed"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	zed := f.id(t, "zed")
	assert.Equal(t, []string{zed}, f.srv.Links(accounts, alice, "Followed Accounts"))
	cached, ok := f.cache.Get("zed")
	assert.True(t, ok)
	assert.Equal(t, zed, cached)
	assert.Equal(t, []string{alice}, f.srv.Links(accounts, zed, "Followers"))
	assert.True(t, f.log.HasMessage("followed records missing, re-resolving"))
}

type failingResolver struct{ err error }

func (r failingResolver) Resolve(ctx context.Context, handles models.Set) (map[string]string, error) {
	return nil, r.err
}

func (failingResolver) Invalidate(handles ...string) {}

func TestResolveFailureAbortsBeforeWriting(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.seed("alice", nil)
	resolveErr := errs.New(errs.ErrorTypeValidation, "resolver.Resolve", "unresolved handles: b")
	w := New(f.client, failingResolver{err: resolveErr}, nil, Options{Table: accounts}, nil)

	report, err := w.WriteEdges(context.Background(), models.Account{Handle: "alice", RecordID: alice}, models.NewSet("a", "b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, resolveErr)
	assert.Zero(t, report.Succeeded)
	assert.Zero(t, f.srv.CountRequests(http.MethodPatch))
}

func TestCancellationBetweenBatches(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 1, Concurrency: 1})
	alice := f.seed("alice", nil)
	for _, h := range []string{"a", "b", "c"} {
		f.seed(h, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.srv.AddRule(func(req storetest.Request) (int, string, string) {
		if req.Method == http.MethodPatch && strings.Contains(req.Body, `"Followers"`) {
			cancel()
		}
		return 0, "", ""
	})

	report, err := f.writer.WriteEdges(ctx, models.Account{Handle: "alice", RecordID: alice}, models.NewSet("a", "b", "c"))
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeCanceled, errs.TypeOf(err))
	assert.GreaterOrEqual(t, report.Failed, 2)
	assert.Equal(t, 3, report.Succeeded+report.Failed)

	// Only edges complete on the followed side reach the follower
	assert.Len(t, f.srv.Links(accounts, alice, "Followed Accounts"), report.Succeeded)
}

func TestFollowerFailureFailsEveryEdge(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.seed("alice", nil)
	f.seed("a", nil)
	f.seed("b", nil)
	f.srv.AddRule(func(req storetest.Request) (int, string, string) {
		if req.Method == http.MethodPatch && strings.Contains(req.Body, `"Followed Accounts"`) {
			return http.StatusUnprocessableEntity, "", `{"error":{"type":"INVALID_VALUE_FOR_COLUMN","message":"rejected"}}`
		}
		return 0, "", ""
	})

	report, err := f.writer.WriteEdges(context.Background(), models.Account{Handle: "alice", RecordID: alice}, models.NewSet("a", "b"))
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeValidation, errs.TypeOf(err))
	assert.Zero(t, report.Succeeded)
	assert.Equal(t, []string{"a", "b"}, report.FailedHandles)
	assert.Zero(t, f.ledger.Len())
	assert.True(t, f.log.HasMessage("follower update failed"))

	// A retry completes the edges; the followed side is already in place
	f.srv.ClearRules()
	f.srv.ResetRequests()
	report, err = f.writer.WriteEdges(context.Background(), models.Account{Handle: "alice", RecordID: alice}, models.NewSet("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, f.srv.CountRequests(http.MethodPatch), "only the follower record changes")
}

func TestEmptyInputWritesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	report, err := f.writer.WriteEdges(context.Background(), models.Account{Handle: "alice", RecordID: "recX"}, models.NewSet())
	require.NoError(t, err)
	assert.Equal(t, WriteReport{}, report)
	assert.Empty(t, f.srv.Requests())
}

func TestMissingFollowerRecordID(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.writer.WriteEdges(context.Background(), models.Account{Handle: "alice"}, models.NewSet("a"))
	assert.Equal(t, errs.ErrorTypeValidation, errs.TypeOf(err))
}
