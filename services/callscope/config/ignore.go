// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce is how long file events are batched before the
// patterns file is re-read.
const DefaultReloadDebounce = 200 * time.Millisecond

// IgnoreWatcher serves the current contents of an ignore-patterns file
// and reloads it when the file changes.
//
// # Description
//
// The file holds one pattern per line; blank lines and lines starting
// with '#' are skipped. The watcher registers on the file's parent
// directory rather than the file itself, because editors replace files
// by rename and a watch on the old inode would silently go dead.
// Events are debounced so an editor's write-then-rename burst triggers
// one reload.
//
// A missing file is not an error: the watcher starts with no patterns
// and picks the file up when it appears.
//
// # Thread Safety
//
// Safe for concurrent use. Patterns returns a copy; the reload goroutine
// is the only writer.
type IgnoreWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	patterns []string

	done     chan struct{}
	stopOnce sync.Once
	watching bool
}

// IgnoreWatcherOptions configures an IgnoreWatcher.
type IgnoreWatcherOptions struct {
	// ReloadDebounce is how long to wait for more file events before
	// reloading. Default: DefaultReloadDebounce.
	ReloadDebounce time.Duration

	// Logger receives reload and error events. Default: slog.Default().
	Logger *slog.Logger
}

// NewIgnoreWatcher creates a watcher for the given patterns file and
// performs the initial load.
//
// Inputs:
//
//	path - Path to the patterns file. Must be non-empty.
//	opts - Optional configuration (nil uses defaults).
//
// Outputs:
//
//	*IgnoreWatcher - Ready watcher; call Start to begin hot reload.
//	error - Non-nil when path is empty or the OS watcher cannot be
//	        created.
func NewIgnoreWatcher(path string, opts *IgnoreWatcherOptions) (*IgnoreWatcher, error) {
	if path == "" {
		return nil, errors.New("ignore watcher: path must not be empty")
	}
	if opts == nil {
		opts = &IgnoreWatcherOptions{}
	}
	debounce := opts.ReloadDebounce
	if debounce == 0 {
		debounce = DefaultReloadDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &IgnoreWatcher{
		path:     filepath.Clean(path),
		watcher:  watcher,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "ignore_watcher")),
		done:     make(chan struct{}),
	}
	w.reload()
	return w, nil
}

// Start begins watching the patterns file for changes.
//
// Inputs:
//
//	ctx - Context for cancellation. Cancellation stops the watch loop;
//	      Patterns keeps serving the last loaded set.
//
// Outputs:
//
//	error - Non-nil when the parent directory cannot be watched.
func (w *IgnoreWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.watchLoop(ctx)
	return nil
}

// Stop ends the watch and releases the OS watcher. Idempotent. Patterns
// keeps serving the last loaded set afterward.
func (w *IgnoreWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// Patterns returns a copy of the current pattern set. Never nil.
func (w *IgnoreWatcher) Patterns() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.patterns))
	copy(out, w.patterns)
	return out
}

// watchLoop debounces file events into reloads.
func (w *IgnoreWatcher) watchLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}

			// Any operation on the file is a reason to re-read it; a
			// remove may be the first half of an editor's atomic rename.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("ignore watcher error", slog.String("error", err.Error()))
		}
	}
}

// reload re-reads the patterns file and swaps the active set.
//
// A file that no longer exists clears the set; any other read failure
// keeps the last loaded set so a transient error cannot drop patterns
// mid-flight.
func (w *IgnoreWatcher) reload() {
	patterns, err := readPatternsFile(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.swap(nil)
			return
		}
		w.logger.Warn("ignore patterns reload failed, keeping previous set",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}

	w.swap(patterns)
	w.logger.Info("ignore patterns loaded",
		slog.String("path", w.path),
		slog.Int("count", len(patterns)))
}

// swap replaces the active pattern set.
func (w *IgnoreWatcher) swap(patterns []string) {
	w.mu.Lock()
	w.patterns = patterns
	w.mu.Unlock()
}

// readPatternsFile parses one pattern per line, skipping blanks and '#'
// comments.
func readPatternsFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}
