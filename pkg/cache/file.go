package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"followsync/pkg/logger"
)

type entry struct {
	RecordID  string    `json:"record_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type snapshot struct {
	Version int              `json:"version"`
	SavedAt time.Time        `json:"saved_at"`
	Entries map[string]entry `json:"entries"`
}

// FileCache keeps entries in memory and persists them as a JSON snapshot.
// An empty path gives a purely in-memory cache.
type FileCache struct {
	mu      sync.Mutex
	path    string
	ttl     time.Duration
	entries map[string]entry
	dirty   bool
	now     func() time.Time
	logger  logger.Logger
}

// NewMemory creates a cache that is never persisted
func NewMemory(ttl time.Duration) *FileCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FileCache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
		logger:  logger.NewNopLogger(),
	}
}

// OpenFile loads the snapshot at path, dropping expired entries. A missing
// file yields an empty cache.
func OpenFile(path string, ttl time.Duration, log logger.Logger) (*FileCache, error) {
	c := NewMemory(ttl)
	c.path = path
	c.logger = logger.OrNop(log).WithField("component", "cache")

	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt snapshot only costs extra lookups
		c.logger.WarnWithFields("discarding unreadable cache file", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		return c, nil
	}

	now := c.now()
	expired := 0
	for handle, e := range snap.Entries {
		if !now.Before(e.ExpiresAt) {
			expired++
			continue
		}
		c.entries[handle] = e
	}
	c.dirty = expired > 0

	c.logger.DebugWithFields("cache loaded", map[string]interface{}{
		"path":    path,
		"entries": len(c.entries),
		"expired": expired,
	})
	return c, nil
}

func (c *FileCache) Get(handle string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[handle]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.ExpiresAt) {
		delete(c.entries, handle)
		c.dirty = true
		return "", false
	}
	return e.RecordID, true
}

func (c *FileCache) Put(handle, recordID string, ttl time.Duration) {
	if handle == "" || recordID == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[handle] = entry{RecordID: recordID, ExpiresAt: c.now().Add(ttl)}
	c.dirty = true
}

func (c *FileCache) Invalidate(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[handle]; ok {
		delete(c.entries, handle)
		c.dirty = true
	}
}

func (c *FileCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.ExpiresAt) {
			n++
		}
	}
	return n
}

func (c *FileCache) Purge() error {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.dirty = true
	c.mu.Unlock()
	return c.Save()
}

// Save writes the snapshot atomically when anything changed
func (c *FileCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" || !c.dirty {
		return nil
	}

	snap := snapshot{Version: 1, SavedAt: c.now(), Entries: c.entries}
	if err := writeAtomic(c.path, snap); err != nil {
		return err
	}
	c.dirty = false

	c.logger.DebugWithFields("cache saved", map[string]interface{}{
		"path":    c.path,
		"entries": len(c.entries),
	})
	return nil
}

func (c *FileCache) Close() error {
	return c.Save()
}

// writeAtomic encodes v to a temporary file and renames it over path
func writeAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync cache file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close cache file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}
