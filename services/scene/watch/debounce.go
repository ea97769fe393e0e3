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
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/modeledit/pkg/logging"
)

// DefaultDelay is the quiet period after the last write before a rebuild.
// Editors save in several steps; 200ms covers the sequence in practice.
const DefaultDelay = 200 * time.Millisecond

var watchTracer = otel.Tracer("modeledit.watch")

var (
	rebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modeledit_rebuilds_total",
		Help: "Settled rebuilds by result",
	}, []string{"result"})

	rebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "modeledit_rebuild_duration_seconds",
		Help:    "Time spent in a single rebuild",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modeledit_watch_events_total",
		Help: "File events seen by the debouncer by operation",
	}, []string{"op"})
)

// State is the debouncer's position in its state machine.
type State int

const (
	// StateIdle means no unprocessed write is pending.
	StateIdle State = iota

	// StatePending means a write arrived and the quiet-period timer is armed.
	StatePending

	// StateStopped is terminal.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RebuildFunc performs one synchronization after a settled write.
type RebuildFunc func(ctx context.Context) error

// ErrorReporter receives rebuild failures. It must not block for long.
type ErrorReporter func(err error)

// DebouncerOptions configures a Debouncer.
type DebouncerOptions struct {
	// Delay is the quiet period D. Default: DefaultDelay
	Delay time.Duration

	// Reporter receives every rebuild error, including recovered panics.
	Reporter ErrorReporter

	// Logger defaults to logging.Nop().
	Logger *logging.Logger

	// FlushOnStop runs one final rebuild if a write is pending when the
	// loop is stopped, so a save made just before shutdown is not lost.
	FlushOnStop bool
}

// Stats counts what a Debouncer has done.
type Stats struct {
	// Events is the number of write events accepted.
	Events int

	// Rebuilds is the number of rebuilds that ran.
	Rebuilds int

	// Failures is the number of rebuilds that returned an error or panicked.
	Failures int
}

// Debouncer collapses bursts of writes into single rebuild calls.
//
// # Description
//
// Transitions:
//
//	Idle    + write       -> Pending (timer armed for Delay)
//	Pending + write       -> Pending (timer restarted from zero)
//	Pending + timer fires -> rebuild, then Idle
//	any     + stop        -> Stopped
//
// Events other than writes (see FileOp.CompletesWrite) are ignored.
// Rebuilds run synchronously on the Run goroutine, so at most one is ever
// in flight. Events arriving during a rebuild wait in the channel.
//
// # Thread Safety
//
// Run must be called from one goroutine. State and Stats are safe to call
// concurrently.
type Debouncer struct {
	rebuild     RebuildFunc
	delay       time.Duration
	report      ErrorReporter
	logger      *logging.Logger
	flushOnStop bool

	mu      sync.Mutex
	state   State
	stats   Stats
	running bool
}

// NewDebouncer creates a Debouncer that calls rebuild after each settled
// write.
//
// # Inputs
//
//   - rebuild: Called once per settled burst. Must not be nil.
//   - opts: Optional configuration (nil uses defaults).
//
// # Outputs
//
//   - *Debouncer: In StateIdle. Call Run to start consuming events.
func NewDebouncer(rebuild RebuildFunc, opts *DebouncerOptions) *Debouncer {
	if opts == nil {
		opts = &DebouncerOptions{}
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Debouncer{
		rebuild:     rebuild,
		delay:       delay,
		report:      opts.Reporter,
		logger:      logger,
		flushOnStop: opts.FlushOnStop,
	}
}

// Delay returns the configured quiet period.
func (d *Debouncer) Delay() time.Duration {
	return d.delay
}

// State returns the current state.
func (d *Debouncer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns a snapshot of the counters.
func (d *Debouncer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Run consumes events until ctx is canceled or events is closed.
//
// # Description
//
// Drives the state machine described on Debouncer. On exit the Debouncer is
// Stopped and cannot be run again. With FlushOnStop, a pending write is
// rebuilt once before stopping, using a context detached from ctx's
// cancellation.
//
// # Inputs
//
//   - ctx: Stop signal and parent context for rebuilds.
//   - events: File changes, typically FileWatcher.Changes().
//
// # Outputs
//
//   - error: ErrStopped or ErrAlreadyRunning if Run cannot start; nil after
//     a normal stop. Rebuild errors are never returned.
func (d *Debouncer) Run(ctx context.Context, events <-chan FileChange) error {
	d.mu.Lock()
	switch {
	case d.state == StateStopped:
		d.mu.Unlock()
		return ErrStopped
	case d.running:
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.stop(ctx, timerC != nil)
			return nil

		case change, ok := <-events:
			if !ok {
				d.stop(ctx, timerC != nil)
				return nil
			}
			eventsTotal.WithLabelValues(change.Op.String()).Inc()
			if !change.Op.CompletesWrite() {
				d.logger.Debug("ignoring file event", "op", change.Op.String())
				continue
			}

			if timer == nil {
				timer = time.NewTimer(d.delay)
			} else {
				timer.Reset(d.delay)
			}
			timerC = timer.C

			d.mu.Lock()
			d.state = StatePending
			d.stats.Events++
			d.mu.Unlock()

		case <-timerC:
			timerC = nil
			d.fire(ctx)

			d.mu.Lock()
			if d.state == StatePending {
				d.state = StateIdle
			}
			d.mu.Unlock()
		}
	}
}

func (d *Debouncer) stop(ctx context.Context, pending bool) {
	if pending && d.flushOnStop {
		d.logger.Debug("flushing pending write before stop")
		d.fire(context.WithoutCancel(ctx))
	}
	d.mu.Lock()
	d.state = StateStopped
	d.running = false
	d.mu.Unlock()
}

// fire runs one rebuild with tracing, metrics and failure isolation.
func (d *Debouncer) fire(ctx context.Context) {
	ctx, span := watchTracer.Start(ctx, "watch.Debouncer.rebuild",
		trace.WithAttributes(attribute.Int64("delay_ms", d.delay.Milliseconds())),
	)
	defer span.End()

	start := time.Now()
	err := d.safeRebuild(ctx)
	elapsed := time.Since(start)
	rebuildDuration.Observe(elapsed.Seconds())

	d.mu.Lock()
	d.stats.Rebuilds++
	if err != nil {
		d.stats.Failures++
	}
	d.mu.Unlock()

	if err != nil {
		rebuildsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild failed")
		d.logger.Warn("rebuild failed", "error", err, "duration_ms", elapsed.Milliseconds())
		if d.report != nil {
			d.report(err)
		}
		return
	}
	rebuildsTotal.WithLabelValues("ok").Inc()
	d.logger.Debug("rebuild complete", "duration_ms", elapsed.Milliseconds())
}

func (d *Debouncer) safeRebuild(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return d.rebuild(ctx)
}
