package cache

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"followsync/pkg/logger"
)

const keyPrefix = "handle/"

// BadgerOptions configures a BadgerCache
type BadgerOptions struct {
	// Path is the database directory; ignored when InMemory is set
	Path     string
	InMemory bool
	TTL      time.Duration
	Logger   logger.Logger
}

// BadgerCache stores entries in badger with per-entry TTL
type BadgerCache struct {
	db     *badger.DB
	ttl    time.Duration
	logger logger.Logger
}

// badgerLogger routes badger's internal logging into our logger
type badgerLogger struct {
	logger logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {}

// OpenBadger opens or creates a badger-backed cache
func OpenBadger(opts BadgerOptions) (*BadgerCache, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("path is required for persistent cache")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	log := logger.OrNop(opts.Logger).WithField("component", "cache")

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: log})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}

	return &BadgerCache{db: db, ttl: ttl, logger: log}, nil
}

func (c *BadgerCache) Get(handle string) (string, bool) {
	var recordID string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + handle))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		recordID = string(val)
		return nil
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.WarnWithFields("cache read failed", map[string]interface{}{
				"handle": handle,
				"error":  err.Error(),
			})
		}
		return "", false
	}
	return recordID, true
}

func (c *BadgerCache) Put(handle, recordID string, ttl time.Duration) {
	if handle == "" || recordID == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+handle), []byte(recordID)).WithTTL(ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		c.logger.WarnWithFields("cache write failed", map[string]interface{}{
			"handle": handle,
			"error":  err.Error(),
		})
	}
}

func (c *BadgerCache) Invalidate(handle string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + handle))
	})
	if err != nil {
		c.logger.WarnWithFields("cache delete failed", map[string]interface{}{
			"handle": handle,
			"error":  err.Error(),
		})
	}
}

func (c *BadgerCache) Len() int {
	n := 0
	_ = c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n
}

func (c *BadgerCache) Purge() error {
	if err := c.db.DropPrefix([]byte(keyPrefix)); err != nil {
		return fmt.Errorf("purge badger cache: %w", err)
	}
	return nil
}

// Save syncs pending writes to disk
func (c *BadgerCache) Save() error {
	if c.db.Opts().InMemory {
		return nil
	}
	if err := c.db.Sync(); err != nil {
		return fmt.Errorf("sync badger cache: %w", err)
	}
	return nil
}

func (c *BadgerCache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close badger cache: %w", err)
	}
	return nil
}
