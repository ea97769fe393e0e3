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
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, path string) *FileWatcher {
	t.Helper()
	fw, err := NewFileWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))
	t.Cleanup(fw.Stop)
	return fw
}

func nextChange(t *testing.T, fw *FileWatcher) FileChange {
	t.Helper()
	select {
	case c, ok := <-fw.Changes():
		require.True(t, ok, "changes channel closed")
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for file change")
		return FileChange{}
	}
}

func TestFileOp_String(t *testing.T) {
	tests := []struct {
		op   FileOp
		want string
	}{
		{FileOpCreate, "create"},
		{FileOpWrite, "write"},
		{FileOpRemove, "remove"},
		{FileOpRename, "rename"},
		{FileOpChmod, "chmod"},
		{FileOp(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.op.String())
	}
}

func TestFileOp_CompletesWrite(t *testing.T) {
	assert.True(t, FileOpWrite.CompletesWrite())
	assert.True(t, FileOpCreate.CompletesWrite())
	assert.False(t, FileOpChmod.CompletesWrite())
	assert.False(t, FileOpRemove.CompletesWrite())
	assert.False(t, FileOpRename.CompletesWrite())
}

func TestConvertOp(t *testing.T) {
	assert.Equal(t, FileOpCreate, convertOp(fsnotify.Create))
	assert.Equal(t, FileOpWrite, convertOp(fsnotify.Write))
	assert.Equal(t, FileOpRemove, convertOp(fsnotify.Remove))
	assert.Equal(t, FileOpRename, convertOp(fsnotify.Rename))
	assert.Equal(t, FileOpChmod, convertOp(fsnotify.Chmod))
}

// TestFileWatcher_ForwardsWrites verifies a write to the watched file is
// forwarded and writes to siblings are not.
func TestFileWatcher_ForwardsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.place")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	fw := startWatcher(t, path)
	assert.True(t, fw.IsWatching())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.place"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	// Truncation may also surface as a metadata change; skip past it.
	for {
		c := nextChange(t, fw)
		require.Equal(t, fw.Path(), c.Path)
		if c.Op.CompletesWrite() {
			break
		}
	}
}

// TestFileWatcher_ReplaceByRename verifies a save that renames a temp file
// over the watched path is reported as a completed write.
func TestFileWatcher_ReplaceByRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.place")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	fw := startWatcher(t, path)

	tmp := filepath.Join(dir, ".host.place.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("v2"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	c := nextChange(t, fw)
	assert.Equal(t, FileOpCreate, c.Op)
}

func TestFileWatcher_StopClosesChanges(t *testing.T) {
	fw, err := NewFileWatcher(filepath.Join(t.TempDir(), "host.place"), nil)
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))

	fw.Stop()
	fw.Stop()

	assert.False(t, fw.IsWatching())
	_, ok := <-fw.Changes()
	assert.False(t, ok)
}

func TestFileWatcher_StopWithoutStart(t *testing.T) {
	fw, err := NewFileWatcher(filepath.Join(t.TempDir(), "host.place"), nil)
	require.NoError(t, err)

	fw.Stop()
	_, ok := <-fw.Changes()
	assert.False(t, ok)
}

func TestFileWatcher_ContextCancelClosesChanges(t *testing.T) {
	fw, err := NewFileWatcher(filepath.Join(t.TempDir(), "host.place"), nil)
	require.NoError(t, err)
	defer fw.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, fw.Start(ctx))
	cancel()

	select {
	case _, ok := <-fw.Changes():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("changes not closed after cancel")
	}
}

func TestFileWatcher_MissingDirectory(t *testing.T) {
	fw, err := NewFileWatcher(filepath.Join(t.TempDir(), "missing", "host.place"), nil)
	require.NoError(t, err)
	defer fw.Stop()

	assert.Error(t, fw.Start(context.Background()))
	assert.False(t, fw.IsWatching())
}

// TestFileWatcher_WithDebouncer verifies a burst of real writes ends in a
// single rebuild.
func TestFileWatcher_WithDebouncer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.place")
	require.NoError(t, os.WriteFile(path, []byte("v0"), 0o644))

	fw := startWatcher(t, path)

	var calls atomic.Int32
	d := NewDebouncer(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, &DebouncerOptions{Delay: testDelay})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, fw.Changes()) }()

	for i := 0; i < 4; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(2 * testDelay)
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	require.NoError(t, <-done)
}
