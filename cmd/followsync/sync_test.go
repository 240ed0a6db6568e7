package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followsync/pkg/airtable"
	"followsync/pkg/config"
	errs "followsync/pkg/errors"
	"followsync/pkg/syncer"
)

type listStore struct {
	records []airtable.Record
	table   string
}

func (s *listStore) List(ctx context.Context, table string, opts airtable.ListOptions) ([]airtable.Record, error) {
	s.table = table
	return s.records, nil
}

func resetTargetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		targetsFile = ""
		fromStore = false
	})
}

func TestCollectTargetsMergesSources(t *testing.T) {
	resetTargetFlags(t)
	path := filepath.Join(t.TempDir(), "targets.txt")
	require.NoError(t, os.WriteFile(path, []byte("# team\nbob\n@Alice\n"), 0o644))
	targetsFile = path
	fromStore = true

	cfg := config.DefaultConfig()
	cfg.Store.TargetsTable = "Targets"
	cfg.Sync.Targets = []string{"ignored"}
	store := &listStore{records: []airtable.Record{
		{ID: "rec1", Fields: map[string]interface{}{"Username": "carol"}},
		{ID: "rec2", Fields: map[string]interface{}{"Username": "bob"}},
	}}

	targets, err := collectTargets(context.Background(), cfg, store, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, targets)
	assert.Equal(t, "Targets", store.table)
}

func TestCollectTargetsFallsBackToConfig(t *testing.T) {
	resetTargetFlags(t)
	cfg := config.DefaultConfig()
	cfg.Sync.Targets = []string{"Dave", "dave"}

	targets, err := collectTargets(context.Background(), cfg, &listStore{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, targets)
}

func TestCollectTargetsErrors(t *testing.T) {
	resetTargetFlags(t)
	cfg := config.DefaultConfig()

	_, err := collectTargets(context.Background(), cfg, &listStore{}, nil)
	assert.Equal(t, errs.ErrorTypeConfig, errs.TypeOf(err))

	fromStore = true
	cfg.Store.TargetsTable = ""
	_, err = collectTargets(context.Background(), cfg, &listStore{}, []string{"alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.targets_table")
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&exitError{code: 1, err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "boom", err.Error())
	assert.Equal(t, "exit status 2", (&exitError{code: 2}).Error())
}

func TestSummaryRows(t *testing.T) {
	rows := summaryRows(syncer.RunSummary{Reports: []syncer.Report{
		{TargetHandle: "alice", State: syncer.StateDone, NewFollowsFound: 2, EdgesWritten: 2},
	}})
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].Target)
	assert.Equal(t, "Done", rows[0].State)
	assert.Equal(t, 2, rows[0].EdgesWritten)
}
