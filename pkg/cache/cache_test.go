package cache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followsync/pkg/config"
)

// exercise runs the behaviour every backend must share
func exercise(t *testing.T, c Cache) {
	t.Helper()

	_, ok := c.Get("alice")
	assert.False(t, ok)

	c.Put("alice", "rec1", 0)
	c.Put("bob", "rec2", time.Hour)
	c.Put("", "rec3", 0)
	c.Put("carol", "", 0)

	id, ok := c.Get("alice")
	assert.True(t, ok)
	assert.Equal(t, "rec1", id)
	assert.Equal(t, 2, c.Len())

	c.Put("alice", "rec9", 0)
	id, _ = c.Get("alice")
	assert.Equal(t, "rec9", id)

	c.Invalidate("alice")
	_, ok = c.Get("alice")
	assert.False(t, ok)
	c.Invalidate("missing")

	require.NoError(t, c.Purge())
	assert.Equal(t, 0, c.Len())
	require.NoError(t, c.Save())
}

func TestMemoryCache(t *testing.T) {
	exercise(t, NewMemory(0))
}

func TestBadgerCacheInMemory(t *testing.T) {
	c, err := OpenBadger(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer c.Close()

	exercise(t, c)
}

func TestBadgerCachePersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "badger")

	c, err := OpenBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	c.Put("alice", "rec1", 0)
	require.NoError(t, c.Save())
	require.NoError(t, c.Close())

	c, err = OpenBadger(BadgerOptions{Path: dir})
	require.NoError(t, err)
	defer c.Close()

	id, ok := c.Get("alice")
	assert.True(t, ok)
	assert.Equal(t, "rec1", id)
}

func TestBadgerRequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerOptions{})
	assert.Error(t, err)
}

func TestFileCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cache.json")

	c, err := OpenFile(path, time.Hour, nil)
	require.NoError(t, err)
	c.Put("alice", "rec1", 0)
	c.Put("bob", "rec2", 0)
	require.NoError(t, c.Close())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	c, err = OpenFile(path, time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	id, ok := c.Get("bob")
	assert.True(t, ok)
	assert.Equal(t, "rec2", id)
}

func TestFileCacheExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c, err := OpenFile(path, time.Hour, nil)
	require.NoError(t, err)
	c.now = func() time.Time { return now }

	c.Put("alice", "rec1", 0)
	c.Put("bob", "rec2", 3*time.Hour)

	now = now.Add(2 * time.Hour)
	_, ok := c.Get("alice")
	assert.False(t, ok, "entry past its ttl must miss")
	_, ok = c.Get("bob")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
	require.NoError(t, c.Save())

	// Entries that expired while on disk are dropped on load
	now = now.Add(2 * time.Hour)
	loaded, err := OpenFile(path, time.Hour, nil)
	require.NoError(t, err)
	loaded.now = func() time.Time { return now }
	assert.Equal(t, 0, loaded.Len())
}

func TestFileCacheCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	c, err := OpenFile(path, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestFileCacheConcurrentAccess(t *testing.T) {
	c := NewMemory(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle := string(rune('a' + i))
			c.Put(handle, "rec"+handle, 0)
			c.Get(handle)
			c.Len()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, c.Len())
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(config.CacheConfig{Backend: "file", Path: filepath.Join(dir, "c.json")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileCache{}, c)

	c, err = Open(config.CacheConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileCache{}, c)

	c, err = Open(config.CacheConfig{Backend: "badger", Path: filepath.Join(dir, "b")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &BadgerCache{}, c)
	require.NoError(t, c.Close())

	_, err = Open(config.CacheConfig{Backend: "redis"}, nil)
	assert.Error(t, err)
}
