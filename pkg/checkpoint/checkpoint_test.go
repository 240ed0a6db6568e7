package checkpoint

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followsync/pkg/logger"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(filepath.Join(t.TempDir(), "data", "history.json"), nil)
	require.NoError(t, err)
	return mgr
}

func entry(target, state string, finished time.Time) Entry {
	return Entry{
		RunID:        "run-1",
		TargetHandle: target,
		State:        state,
		StartedAt:    finished.Add(-time.Minute),
		FinishedAt:   finished,
	}
}

func TestHistoryManager(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("LoadMissing", func(t *testing.T) {
		mgr := newManager(t)
		h, err := mgr.Load()
		require.NoError(t, err)
		assert.Empty(t, h.Targets)
		assert.False(t, mgr.Exists())
	})

	t.Run("RecordAndGet", func(t *testing.T) {
		mgr := newManager(t)
		e := entry("Alice", "Done", base)
		e.NewFollowsFound = 2
		e.EdgesWritten = 2
		require.NoError(t, mgr.Record(e))

		got, ok, err := mgr.Get("alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, got.EdgesWritten)
		assert.Equal(t, time.Minute, got.Duration())
	})

	t.Run("RecordReplacesPerTarget", func(t *testing.T) {
		mgr := newManager(t)
		require.NoError(t, mgr.Record(entry("alice", "Failed", base), entry("bob", "Done", base.Add(time.Hour))))
		require.NoError(t, mgr.Record(entry("alice", "Done", base.Add(2*time.Hour))))

		list, err := mgr.List()
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "alice", list[0].TargetHandle, "most recent first")
		assert.Equal(t, "Done", list[0].State)
		assert.Equal(t, "bob", list[1].TargetHandle)
	})

	t.Run("CorruptHistoryIsReplaced", func(t *testing.T) {
		log := logger.NewTestLogger()
		mgr, err := NewManager(filepath.Join(t.TempDir(), "history.json"), log)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(mgr.Path(), []byte("{not json"), 0644))

		_, err = mgr.Load()
		assert.Error(t, err)

		require.NoError(t, mgr.Record(entry("alice", "Done", base)))
		assert.True(t, log.HasMessage("discarding unreadable history"))
		_, ok, err := mgr.Get("alice")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("ConcurrentRecords", func(t *testing.T) {
		mgr := newManager(t)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				_ = mgr.Record(entry(string(rune('a'+n)), "Done", base))
			}(i)
		}
		wg.Wait()

		list, err := mgr.List()
		require.NoError(t, err)
		assert.Len(t, list, 10)
		_, err = os.Stat(mgr.Path() + ".tmp")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("DeleteAndBackup", func(t *testing.T) {
		mgr := newManager(t)
		assert.NoError(t, mgr.Backup(), "nothing to back up")

		require.NoError(t, mgr.Record(entry("alice", "Done", base)))
		require.NoError(t, mgr.Backup())
		_, err := os.Stat(mgr.Path() + ".backup")
		assert.NoError(t, err)

		require.NoError(t, mgr.Delete())
		assert.False(t, mgr.Exists())
		assert.NoError(t, mgr.Delete())
	})
}

func TestNewManagerRequiresPath(t *testing.T) {
	_, err := NewManager("", nil)
	assert.Error(t, err)
}
