// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache provides a warm on-disk cache for fetched source files.
//
// Repeated usage queries against the same repository enrich overlapping
// call sites, so the same file is fetched again and again. The cache keeps
// raw file contents in a local BadgerDB so only the first lookup pays the
// network round trip:
//
//	Warm (BadgerDB) → Cold (upstream source host)
//
// Storage errors are deliberately indistinguishable from misses: both
// report a miss and the caller re-fetches from the host. A broken cache
// degrades throughput, never correctness.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
// This package follows Apache 2.0 guidelines for attribution and usage.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for a file-content cache.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent caches.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Cached content is rebuildable, so the default is false.
	SyncWrites bool

	// TTL is how long cached file contents remain valid.
	// Default: 1 hour. Entries expire server-side via BadgerDB TTL.
	TTL time.Duration

	// Logger is the logger for BadgerDB operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5 (GC when 50% of value log is garbage).
	GCDiscardRatio float64
}

// DefaultConfig returns sensible defaults for production use.
//
// Description:
//
//	Returns a Config with:
//	- 1-hour content TTL
//	- Async writes (cache contents are rebuildable)
//	- 5-minute GC interval
//	- 50% discard ratio threshold
//
// Outputs:
//
//	Config - Ready-to-use production configuration
func DefaultConfig() Config {
	return Config{
		SyncWrites:     false,
		TTL:            time.Hour,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration optimized for testing.
//
// Description:
//
//	Returns a Config with:
//	- InMemory mode enabled (no disk I/O)
//	- 1-hour content TTL
//	- GC disabled
//
// Outputs:
//
//	Config - Ready-to-use test configuration
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		TTL:        time.Hour,
		GCInterval: 0, // disabled
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// FileCache stores fetched file contents with a TTL.
type FileCache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// Open creates and opens a file-content cache with the given configuration.
//
// Description:
//
//	Opens a BadgerDB at the configured path, or in memory if InMemory is
//	true. Creates the directory if it doesn't exist. Starts a periodic
//	value log GC goroutine when GCInterval is positive and the cache is
//	persistent.
//
// Inputs:
//
//	cfg - Cache configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*FileCache - The opened cache. Caller must call Close() when done.
//	error - Non-nil if path is invalid or the database cannot be opened.
//
// Thread Safety: The returned *FileCache is safe for concurrent use.
func Open(cfg Config) (*FileCache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent cache")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		// Ensure directory exists
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil) // Disable BadgerDB's internal logging
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	c := &FileCache{
		db:     db,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = DefaultConfig().GCDiscardRatio
		}
		go c.runGC(cfg.GCInterval, ratio)
	} else {
		close(c.doneCh)
	}

	return c, nil
}

// OpenInMemory is a convenience function for opening an in-memory cache.
//
// Description:
//
//	Opens an in-memory cache for testing. Contents are lost when closed.
//
// Outputs:
//
//	*FileCache - The opened cache. Caller must call Close() when done.
//	error - Non-nil if the database cannot be opened (unlikely for in-memory).
//
// Thread Safety: The returned *FileCache is safe for concurrent use.
func OpenInMemory() (*FileCache, error) {
	return Open(InMemoryConfig())
}

// Get returns the cached content for a key.
//
// Description:
//
//	Looks up the key in the cache. Expired entries, absent keys, and
//	storage errors all report a miss; the caller cannot tell them apart
//	and should not need to.
//
// Inputs:
//
//	ctx - Context for cancellation (used for deadline checks).
//	key - Cache key, typically "owner/repo@ref:path".
//
// Outputs:
//
//	string - The cached content, or "" on miss.
//	bool - True only when the key was present and unexpired.
//
// Thread Safety: Safe for concurrent use.
func (c *FileCache) Get(ctx context.Context, key string) (string, bool) {
	if err := ctx.Err(); err != nil {
		return "", false
	}

	var content []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		content, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) && c.logger != nil {
			c.logger.Debug("cache read failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
		return "", false
	}
	return string(content), true
}

// Set stores content under a key with the configured TTL.
//
// Description:
//
//	Writes the entry with a server-side TTL so stale file contents age
//	out without a sweeper. Write failures are logged and swallowed; the
//	next Get simply misses.
//
// Inputs:
//
//	ctx - Context for cancellation (used for deadline checks).
//	key - Cache key, typically "owner/repo@ref:path".
//	content - File content to store.
//
// Thread Safety: Safe for concurrent use.
func (c *FileCache) Set(ctx context.Context, key, content string) {
	if err := ctx.Err(); err != nil {
		return
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), []byte(content)).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil && c.logger != nil {
		c.logger.Warn("cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
}

// Close stops background GC and closes the underlying database.
//
// Description:
//
//	Stops the GC goroutine (if running) and closes BadgerDB.
//
// Outputs:
//
//	error - Non-nil if the database close fails.
//
// Thread Safety: Safe for concurrent use. Must not be called twice.
func (c *FileCache) Close() error {
	close(c.stopCh)
	<-c.doneCh
	return c.db.Close()
}

func (c *FileCache) runGC(interval time.Duration, ratio float64) {
	defer close(c.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			// RunValueLogGC returns nil if GC was triggered, error if not needed
			err := c.db.RunValueLogGC(ratio)
			if err == nil {
				if c.logger != nil {
					c.logger.Debug("cache value log GC completed")
				}
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				// ErrNoRewrite means no GC was needed, not an error
				if c.logger != nil {
					c.logger.Warn("cache value log GC error", slog.String("error", err.Error()))
				}
			}
		}
	}
}
