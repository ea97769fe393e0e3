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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/modeledit/pkg/logging"
)

const testDelay = 200 * time.Millisecond

func change(op FileOp) FileChange {
	return FileChange{Path: "/tmp/host.place", Op: op, Time: time.Now()}
}

// runDebouncer starts d.Run on a fresh channel and returns the channel plus
// a stop function that cancels and waits for Run to return.
func runDebouncer(t *testing.T, d *Debouncer) (chan<- FileChange, func()) {
	t.Helper()
	events := make(chan FileChange)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, events) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-done)
		})
	}
	t.Cleanup(stop)
	return events, stop
}

// TestDebouncer_CoalescesBurst verifies writes at 0, 50 and 120ms with a
// 200ms delay produce exactly one rebuild, no earlier than 320ms.
func TestDebouncer_CoalescesBurst(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	var fired []time.Duration
	var start time.Time

	d := NewDebouncer(func(ctx context.Context) error {
		mu.Lock()
		fired = append(fired, time.Since(start))
		mu.Unlock()
		return nil
	}, &DebouncerOptions{Delay: testDelay})
	events, stop := runDebouncer(t, d)

	start = time.Now()
	for _, at := range []time.Duration{0, 50 * time.Millisecond, 120 * time.Millisecond} {
		time.Sleep(time.Until(start.Add(at)))
		events <- change(FileOpWrite)
	}

	mu.Lock()
	assert.Empty(t, fired, "no rebuild may fire while writes keep arriving")
	mu.Unlock()
	assert.Equal(t, StatePending, d.State())

	require.Eventually(t, func() bool { return d.Stats().Rebuilds == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.State() == StateIdle }, time.Second, 5*time.Millisecond)

	// Give a stray second timer a chance to show up.
	time.Sleep(2 * testDelay)
	stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 1)
	assert.GreaterOrEqual(t, fired[0], 320*time.Millisecond)
	assert.Equal(t, Stats{Events: 3, Rebuilds: 1}, d.Stats())
	assert.Equal(t, StateStopped, d.State())
}

// TestDebouncer_SeparateBurstsRebuildSeparately verifies two writes more than
// the delay apart produce two rebuilds.
func TestDebouncer_SeparateBurstsRebuildSeparately(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	d := NewDebouncer(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, &DebouncerOptions{Delay: 20 * time.Millisecond})
	events, stop := runDebouncer(t, d)

	events <- change(FileOpWrite)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 2*time.Millisecond)
	events <- change(FileOpCreate)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 2*time.Millisecond)
	stop()
}

// TestDebouncer_RebuildIsolation verifies a failed rebuild is reported, the
// loop returns to Idle, and the next write still rebuilds.
func TestDebouncer_RebuildIsolation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	decodeErr := errors.New("malformed document: short header")
	var calls atomic.Int32
	reported := make(chan error, 4)

	d := NewDebouncer(func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return decodeErr
		}
		return nil
	}, &DebouncerOptions{
		Delay:    20 * time.Millisecond,
		Reporter: func(err error) { reported <- err },
	})
	events, stop := runDebouncer(t, d)

	events <- change(FileOpWrite)
	select {
	case err := <-reported:
		assert.ErrorIs(t, err, decodeErr)
	case <-time.After(2 * time.Second):
		t.Fatal("failure was not reported")
	}
	require.Eventually(t, func() bool { return d.State() == StateIdle }, time.Second, 2*time.Millisecond)

	events <- change(FileOpWrite)
	require.Eventually(t, func() bool { return d.Stats().Rebuilds == 2 }, 2*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return d.State() == StateIdle }, time.Second, 2*time.Millisecond)
	stop()

	assert.Equal(t, 1, d.Stats().Failures)
	assert.Empty(t, reported)
}

// TestDebouncer_PanicIsolated verifies a panicking rebuild is reported as a
// PanicError and does not stop the loop.
func TestDebouncer_PanicIsolated(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	reported := make(chan error, 1)
	d := NewDebouncer(func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("nil scene")
		}
		return nil
	}, &DebouncerOptions{
		Delay:    10 * time.Millisecond,
		Reporter: func(err error) { reported <- err },
	})
	events, stop := runDebouncer(t, d)

	events <- change(FileOpWrite)
	var err error
	select {
	case err = <-reported:
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not reported")
	}
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "nil scene", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Contains(t, err.Error(), "nil scene")

	events <- change(FileOpWrite)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 2*time.Millisecond)
	stop()
}

// TestDebouncer_IgnoresNonWrites verifies metadata, remove and rename events
// never arm the timer.
func TestDebouncer_IgnoresNonWrites(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	d := NewDebouncer(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, &DebouncerOptions{Delay: 10 * time.Millisecond})
	events, stop := runDebouncer(t, d)

	for _, op := range []FileOp{FileOpChmod, FileOpRemove, FileOpRename} {
		events <- change(op)
	}
	assert.Equal(t, StateIdle, d.State())

	time.Sleep(100 * time.Millisecond)
	stop()

	assert.Zero(t, calls.Load())
	assert.Zero(t, d.Stats().Events)
}

// TestDebouncer_StopDropsPending verifies a pending write is discarded on
// stop by default.
func TestDebouncer_StopDropsPending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	d := NewDebouncer(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, &DebouncerOptions{Delay: time.Hour})
	events, stop := runDebouncer(t, d)

	events <- change(FileOpWrite)
	require.Eventually(t, func() bool { return d.State() == StatePending }, time.Second, time.Millisecond)
	stop()

	assert.Zero(t, calls.Load())
	assert.Equal(t, StateStopped, d.State())
}

// TestDebouncer_FlushOnStop verifies a pending write is rebuilt once on stop
// with a context that is not canceled.
func TestDebouncer_FlushOnStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	var ctxErr error
	d := NewDebouncer(func(ctx context.Context) error {
		calls.Add(1)
		ctxErr = ctx.Err()
		return nil
	}, &DebouncerOptions{Delay: time.Hour, FlushOnStop: true})
	events, stop := runDebouncer(t, d)

	events <- change(FileOpWrite)
	stop()

	assert.Equal(t, int32(1), calls.Load())
	assert.NoError(t, ctxErr)
	assert.Equal(t, StateStopped, d.State())
}

// TestDebouncer_FlushOnStop_NothingPending verifies no rebuild runs on stop
// when Idle.
func TestDebouncer_FlushOnStop_NothingPending(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, &DebouncerOptions{FlushOnStop: true})
	_, stop := runDebouncer(t, d)
	stop()

	assert.Zero(t, calls.Load())
}

func TestDebouncer_ClosedChannelStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := NewDebouncer(func(ctx context.Context) error { return nil }, nil)
	events := make(chan FileChange)
	close(events)

	require.NoError(t, d.Run(context.Background(), events))
	assert.Equal(t, StateStopped, d.State())
	assert.ErrorIs(t, d.Run(context.Background(), events), ErrStopped)
}

func TestDebouncer_RejectsConcurrentRun(t *testing.T) {
	d := NewDebouncer(func(ctx context.Context) error { return nil }, nil)
	_, stop := runDebouncer(t, d)

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.running
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, d.Run(context.Background(), make(chan FileChange)), ErrAlreadyRunning)
	stop()
}

func TestNewDebouncer_Defaults(t *testing.T) {
	d := NewDebouncer(func(ctx context.Context) error { return nil }, &DebouncerOptions{Delay: -1})
	assert.Equal(t, DefaultDelay, d.Delay())
	assert.Equal(t, StateIdle, d.State())
}

// TestDebouncer_LogsFailures verifies failed rebuilds are logged at Warn.
func TestDebouncer_LogsFailures(t *testing.T) {
	exporter := logging.NewBufferedExporter()
	logger := logging.New(logging.Config{Quiet: true, Exporter: exporter})
	reported := make(chan error, 1)

	d := NewDebouncer(func(ctx context.Context) error {
		return errors.New("boom")
	}, &DebouncerOptions{Delay: 5 * time.Millisecond, Logger: logger, Reporter: func(err error) { reported <- err }})
	events, stop := runDebouncer(t, d)

	events <- change(FileOpWrite)
	<-reported
	stop()

	var warned bool
	for _, e := range exporter.Entries() {
		if e.Level == logging.LevelWarn && e.Message == "rebuild failed" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(9).String())
}
