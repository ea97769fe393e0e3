// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/modeledit/pkg/logging"
)

// FileChange represents a file system change event.
type FileChange struct {
	// Path is the cleaned path of the changed file.
	Path string

	// Op is the type of change.
	Op FileOp

	// Time is when the change was detected.
	Time time.Time
}

// FileOp represents the type of file operation.
type FileOp int

const (
	// FileOpCreate indicates a file was created (or replaced by rename).
	FileOpCreate FileOp = iota

	// FileOpWrite indicates a file was modified.
	FileOpWrite

	// FileOpRemove indicates a file was deleted.
	FileOpRemove

	// FileOpRename indicates a file was renamed away.
	FileOpRename

	// FileOpChmod indicates a metadata-only change.
	FileOpChmod
)

// String returns the string representation of the operation.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "create"
	case FileOpWrite:
		return "write"
	case FileOpRemove:
		return "remove"
	case FileOpRename:
		return "rename"
	case FileOpChmod:
		return "chmod"
	default:
		return "unknown"
	}
}

// CompletesWrite reports whether op leaves new content at the path.
//
// Editors that save by writing a sibling and renaming it over the target
// produce Create rather than Write, so both count.
func (op FileOp) CompletesWrite() bool {
	return op == FileOpWrite || op == FileOpCreate
}

// FileWatcher forwards changes to a single file.
//
// # Description
//
// fsnotify loses a watch on a file when the file is replaced by rename, so
// the watcher subscribes to the file's parent directory and filters events
// down to the exact path. Every event for the path is forwarded; callers
// decide which operations matter (see FileOp.CompletesWrite).
//
// # Thread Safety
//
// Safe for concurrent use. Changes are delivered from a single goroutine.
type FileWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	changes  chan FileChange
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.RWMutex
	watching bool
}

// FileWatcherOptions configures the FileWatcher.
type FileWatcherOptions struct {
	// BufferSize is the size of the change channel. Default: 64
	BufferSize int

	// Logger receives watch errors and dropped events. Default: logging.Nop()
	Logger *logging.Logger
}

// DefaultFileWatcherOptions returns sensible defaults.
func DefaultFileWatcherOptions() FileWatcherOptions {
	return FileWatcherOptions{BufferSize: 64}
}

// NewFileWatcher creates a watcher for path.
//
// # Inputs
//
//   - path: The file to watch. It need not exist yet, but its directory must.
//   - opts: Optional configuration (nil uses defaults).
//
// # Outputs
//
//   - *FileWatcher: Ready-to-use watcher (call Start to begin watching).
//   - error: Non-nil if the fsnotify watcher could not be created.
//
// # Example
//
//	fw, err := watch.NewFileWatcher(hostPath, nil)
//	if err != nil {
//	    return err
//	}
//	defer fw.Stop()
//	if err := fw.Start(ctx); err != nil {
//	    return err
//	}
//	for change := range fw.Changes() { ... }
func NewFileWatcher(path string, opts *FileWatcherOptions) (*FileWatcher, error) {
	if opts == nil {
		defaults := DefaultFileWatcherOptions()
		opts = &defaults
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultFileWatcherOptions().BufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FileWatcher{
		path:    abs,
		watcher: watcher,
		logger:  logger.With("watch_path", abs),
		changes: make(chan FileChange, opts.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Path returns the absolute path being watched.
func (w *FileWatcher) Path() string {
	return w.path
}

// Changes returns the channel of changes to the watched file. It is closed
// when the watcher stops.
func (w *FileWatcher) Changes() <-chan FileChange {
	return w.changes
}

// Start subscribes to the file's directory and begins forwarding events.
//
// # Inputs
//
//   - ctx: When canceled, the watcher stops as if Stop were called.
//
// # Outputs
//
//   - error: Non-nil if the directory could not be watched.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return err
	}

	w.wg.Add(1)
	go w.processEvents(ctx)
	return nil
}

// Stop releases the fsnotify watch and closes Changes. Safe to call more
// than once.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		if w.watching {
			w.watching = false
		} else {
			// processEvents never ran, so nobody else will close it.
			close(w.changes)
		}
		w.mu.Unlock()
	})
}

// IsWatching returns true if the watcher is currently active.
func (w *FileWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.changes)

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
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

			change := FileChange{
				Path: w.path,
				Op:   convertOp(event.Op),
				Time: time.Now(),
			}
			select {
			case w.changes <- change:
			case <-w.done:
				return
			case <-ctx.Done():
				w.watcher.Close()
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watch error", "error", err)
		}
	}
}

func convertOp(op fsnotify.Op) FileOp {
	switch {
	case op.Has(fsnotify.Create):
		return FileOpCreate
	case op.Has(fsnotify.Write):
		return FileOpWrite
	case op.Has(fsnotify.Remove):
		return FileOpRemove
	case op.Has(fsnotify.Rename):
		return FileOpRename
	default:
		return FileOpChmod
	}
}
