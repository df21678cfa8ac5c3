// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package indexwatch reloads the document index when its persisted files
// change on disk, for example after `ragserve index` ran in another
// process.
package indexwatch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc reopens and binds the index persisted in dir.
type ReloadFunc func(dir string) error

// =============================================================================
// Configuration
// =============================================================================

// Options configures a Watcher.
//
// # Fields
//
//   - Debounce: Quiet period after the last change before reloading.
//     Default: 500ms.
//   - IgnorePatterns: Base-name globs whose changes are ignored.
//   - Logger: Defaults to slog.Default().
type Options struct {
	Debounce       time.Duration
	IgnorePatterns []string
	Logger         *slog.Logger
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		Debounce:       500 * time.Millisecond,
		IgnorePatterns: []string{"*.tmp", "*.swp", ".DS_Store"},
	}
}

// =============================================================================
// Watcher
// =============================================================================

// Watcher watches an index directory tree and calls a ReloadFunc once per
// burst of changes.
//
// # Description
//
// chromem-go writes one file per document plus collection metadata, so a
// single ingestion produces many events. They are coalesced: the reload
// runs only after Debounce has passed with no further change. Directories
// created under the root are watched as they appear.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use. The reload function is
// never called concurrently with itself.
type Watcher struct {
	root   string
	reload ReloadFunc
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
	stopOnce *sync.Once
}

// New creates a Watcher for root. root is created if missing when the
// watcher starts.
func New(root string, reload ReloadFunc, opts Options) *Watcher {
	defaults := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.IgnorePatterns == nil {
		opts.IgnorePatterns = defaults.IgnorePatterns
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{root: root, reload: reload, opts: opts, logger: logger}
}

// Start begins watching.
//
// # Inputs
//
//   - ctx: When cancelled, the watcher stops.
//
// # Outputs
//
//   - error: Non-nil if already running or the tree cannot be watched.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return fmt.Errorf("index watcher is already running")
	}
	if err := os.MkdirAll(w.root, 0755); err != nil {
		return fmt.Errorf("create index dir %s: %w", w.root, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := addRecursive(fw, w.root); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", w.root, err)
	}

	w.watcher = fw
	w.done = make(chan struct{})
	w.stopped = make(chan struct{})
	w.stopOnce = &sync.Once{}

	w.logger.Info("index watcher starting", "dir", w.root, "debounce", w.opts.Debounce.String())
	go w.loop(ctx, fw, w.done, w.stopped)
	return nil
}

// Stop ends watching and waits for the loop to exit. Safe to call
// multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fw := w.watcher
	if fw == nil {
		w.mu.Unlock()
		return
	}
	w.watcher = nil
	done, stopped, once := w.done, w.stopped, w.stopOnce
	w.mu.Unlock()

	once.Do(func() { close(done) })
	<-stopped
	_ = fw.Close()
	w.logger.Info("index watcher stopped", "dir", w.root)
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	timer := time.NewTimer(w.opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addRecursive(fw, event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "dir", event.Name, "error", err)
					}
				}
			}
			w.logger.Debug("index file changed", "path", event.Name, "op", event.Op.String())
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.opts.Debounce)
			pending = true
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("index watcher error", "error", err)
		case <-timer.C:
			pending = false
			if err := w.reload(w.root); err != nil {
				w.logger.Warn("index reload failed, keeping current index", "dir", w.root, "error", err)
				continue
			}
			w.logger.Info("document index reloaded after change", "dir", w.root)
		}
	}
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.IgnorePatterns {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// addRecursive watches root and every directory below it.
func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return fw.Add(path)
	})
}
