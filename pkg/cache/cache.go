// Package cache maps account handles to record store ids. Entries expire
// after a TTL so that renamed or deleted records are eventually re-resolved.
package cache

import (
	"fmt"
	"time"

	"followsync/pkg/config"
	"followsync/pkg/logger"
)

// DefaultTTL is how long a resolved handle stays cached
const DefaultTTL = 24 * time.Hour

// Cache maps normalized handles to record ids. Implementations are safe for
// concurrent use.
type Cache interface {
	// Get returns the record id for handle if present and unexpired
	Get(handle string) (string, bool)
	// Put stores a mapping; ttl <= 0 uses the cache default
	Put(handle, recordID string, ttl time.Duration)
	// Invalidate drops a mapping known to be stale
	Invalidate(handle string)
	// Len counts unexpired entries
	Len() int
	// Purge drops every entry
	Purge() error
	// Save flushes to durable storage
	Save() error
	// Close flushes and releases resources
	Close() error
}

// Backend names accepted by Open
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Open builds the cache backend selected by cfg
func Open(cfg config.CacheConfig, log logger.Logger) (Cache, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	switch cfg.Backend {
	case "", BackendFile:
		return OpenFile(cfg.Path, ttl, log)
	case BackendBadger:
		return OpenBadger(BadgerOptions{Path: cfg.Path, TTL: ttl, Logger: log})
	case BackendMemory:
		return NewMemory(ttl), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
