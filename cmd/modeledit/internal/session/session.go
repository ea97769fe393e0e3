// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session drives one editing session for a single model asset.
//
// A session wraps the asset into a host place document in a private temp
// directory, launches the editor on it, and writes the asset back after
// every settled save until the editor exits.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/modeledit/cmd/modeledit/internal/editor"
	"github.com/AleutianAI/modeledit/cmd/modeledit/internal/infra/process"
	"github.com/AleutianAI/modeledit/cmd/modeledit/internal/notify"
	"github.com/AleutianAI/modeledit/pkg/logging"
	"github.com/AleutianAI/modeledit/services/scene/codec"
	"github.com/AleutianAI/modeledit/services/scene/hostdoc"
	"github.com/AleutianAI/modeledit/services/scene/telemetry"
	"github.com/AleutianAI/modeledit/services/scene/watch"
)

// DefaultHostFileName is the host document's base name, without extension.
const DefaultHostFileName = "modeledit temp place"

// RebuildErrorTitle heads every rebuild failure shown to the user.
const RebuildErrorTitle = "Error processing place file"

// ErrEditorFailed is returned when the editor exits with a non-zero status.
var ErrEditorFailed = errors.New("editor exited with an error")

var sessionTracer = otel.Tracer("modeledit.session")

var (
	sessionMeter = otel.Meter("modeledit.session")

	sessionsTotal, _ = sessionMeter.Int64Counter("modeledit.sessions",
		metric.WithDescription("Editing sessions by result"))

	editorDuration, _ = sessionMeter.Float64Histogram("modeledit.editor.duration",
		metric.WithDescription("Time the editor stayed open"),
		metric.WithUnit("s"))

	assetWrites, _ = sessionMeter.Int64Counter("modeledit.asset.writes",
		metric.WithDescription("Successful asset write-backs"))
)

// Config describes one session.
type Config struct {
	// AssetPath is the model asset to edit. Its extension picks the codec.
	AssetPath string

	// EditorPath pins the editor executable. Empty searches EditorCandidates.
	EditorPath string

	// EditorCandidates are executable names searched on PATH.
	// Default: editor.DefaultCandidates
	EditorCandidates []string

	// Debounce is the quiet period before a save is synced. Default: 200ms
	Debounce time.Duration

	// HostFileName is the host document's base name. Default: DefaultHostFileName
	HostFileName string

	// HostFormat encodes the host document. Default: codec.FormatBinary
	HostFormat codec.Format

	// LockDir holds the per-asset lock file. Default: os.TempDir()
	LockDir string
}

// Deps are the collaborators a session talks to.
type Deps struct {
	// Process launches the editor. Default: process.NewDefaultProcessManager()
	Process process.ProcessManager

	// Notifier shows progress and rebuild errors. Default: notify.Discard{}
	Notifier notify.Notifier

	// Logger defaults to logging.Nop().
	Logger *logging.Logger

	// Getenv reads the editor override variable. Default: os.Getenv
	Getenv func(string) string
}

// Session owns everything that must be cleaned up when editing stops: the
// asset lock, the temp directory holding the host document, and the watch.
//
// # Thread Safety
//
// Run may be called once. Stats and HostPath are safe to call concurrently
// with Run.
type Session struct {
	id          string
	cfg         Config
	deps        Deps
	assetFormat codec.Format
	logger      *logging.Logger

	mu        sync.Mutex
	dir       string
	hostPath  string
	lock      process.ProcessLocker
	watcher   *watch.FileWatcher
	debouncer *watch.Debouncer
	synced    fileStamp
	started   bool
	closed    bool
}

// fileStamp identifies one version of the host file on disk.
type fileStamp struct {
	mod  time.Time
	size int64
}

// New validates cfg and prepares a session. Nothing on disk is touched.
//
// # Outputs
//
//   - *Session: Ready to Run.
//   - error: Wraps codec.ErrUnsupportedFormat for an unknown asset extension.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.AssetPath == "" {
		return nil, errors.New("asset path is required")
	}
	assetFormat, err := codec.ModelFormatForPath(cfg.AssetPath)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(cfg.AssetPath)
	if err != nil {
		return nil, fmt.Errorf("resolve asset path: %w", err)
	}
	cfg.AssetPath = abs

	if len(cfg.EditorCandidates) == 0 {
		cfg.EditorCandidates = editor.DefaultCandidates
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = watch.DefaultDelay
	}
	if cfg.HostFileName == "" {
		cfg.HostFileName = DefaultHostFileName
	}
	if cfg.HostFormat == codec.FormatUnknown {
		cfg.HostFormat = codec.FormatBinary
	}
	if cfg.LockDir == "" {
		cfg.LockDir = os.TempDir()
	}

	if deps.Process == nil {
		deps.Process = process.NewDefaultProcessManager()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}

	id := uuid.NewString()
	return &Session{
		id:          id,
		cfg:         cfg,
		deps:        deps,
		assetFormat: assetFormat,
		logger:      deps.Logger.With("session_id", id, "asset_path", abs),
	}, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// HostPath returns the host document path, or "" before Run has set it up.
func (s *Session) HostPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostPath
}

// Stats returns the watch loop counters.
func (s *Session) Stats() watch.Stats {
	s.mu.Lock()
	d := s.debouncer
	s.mu.Unlock()
	if d == nil {
		return watch.Stats{}
	}
	return d.Stats()
}

// Run edits the asset until the editor exits.
//
// # Description
//
// Setup locates the editor, locks the asset, wraps it into a host document
// and starts watching. Then two goroutines run together: the debounce loop,
// which syncs every settled save back to the asset, and the editor
// supervisor, which blocks on the editor and stops the loop when it exits.
// A save the loop has not seen yet is synced once more before cleanup.
//
// Setup and teardown failures are returned. Rebuild failures only go to the
// Notifier.
//
// # Inputs
//
//   - ctx: Cancellation (e.g. SIGINT) stops the editor and the session.
//
// # Outputs
//
//   - error: nil when the editor exits cleanly. Wraps ErrEditorFailed for a
//     non-zero editor exit, editor.ErrEditorNotFound, *process.ErrLockHeld,
//     or ctx.Err() when canceled.
func (s *Session) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already ran")
	}
	s.started = true
	s.mu.Unlock()

	ctx, span := sessionTracer.Start(ctx, "session.Run", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("asset.format", s.assetFormat.String()),
	))
	defer span.End()
	s.logger = telemetry.LoggerWithTrace(ctx, s.logger)

	defer func() {
		if cerr := s.close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		result := "ok"
		if err != nil {
			result = "error"
			telemetry.RecordError(span, err)
		}
		sessionsTotal.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("result", result)))
	}()

	editorPath, err := s.setup(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(gctx)
	defer stopLoop()

	if err := s.watcher.Start(loopCtx); err != nil {
		return fmt.Errorf("watch host document: %w", err)
	}

	g.Go(func() error {
		return s.debouncer.Run(loopCtx, s.watcher.Changes())
	})
	g.Go(func() error {
		defer stopLoop()
		return s.superviseEditor(gctx, editorPath)
	})
	err = g.Wait()

	s.finalSync(ctx)
	return err
}

// setup acquires every session resource. Whatever it acquired before
// failing is released by close.
func (s *Session) setup(ctx context.Context) (string, error) {
	editorPath, err := editor.Locator{
		Path:       s.cfg.EditorPath,
		Candidates: s.cfg.EditorCandidates,
		Looker:     s.deps.Process,
		Getenv:     s.deps.Getenv,
	}.Locate()
	if err != nil {
		return "", err
	}

	lock := process.NewProcessLock(process.ProcessLockConfig{
		LockDir:  s.cfg.LockDir,
		LockName: process.LockNameFor(s.cfg.AssetPath),
	})
	if err := lock.Acquire(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.lock = lock
	s.mu.Unlock()

	asset, _, err := codec.ReadFile(s.cfg.AssetPath)
	if err != nil {
		return "", fmt.Errorf("read asset: %w", err)
	}

	dir, err := os.MkdirTemp("", "modeledit-*")
	if err != nil {
		return "", fmt.Errorf("create session directory: %w", err)
	}
	hostPath := filepath.Join(dir, s.cfg.HostFileName+codec.PlaceExtension(s.cfg.HostFormat))
	s.mu.Lock()
	s.dir = dir
	s.hostPath = hostPath
	s.mu.Unlock()

	host, _, err := hostdoc.BuildFromRoot(asset)
	if err != nil {
		return "", fmt.Errorf("build host document: %w", err)
	}
	if err := codec.WriteRoot(hostPath, host, s.cfg.HostFormat); err != nil {
		return "", fmt.Errorf("write host document: %w", err)
	}
	s.markSynced(hostPath)

	watcher, err := watch.NewFileWatcher(hostPath, &watch.FileWatcherOptions{Logger: s.logger})
	if err != nil {
		return "", fmt.Errorf("create watcher: %w", err)
	}
	debouncer := watch.NewDebouncer(s.rebuild, &watch.DebouncerOptions{
		Delay:       s.cfg.Debounce,
		Logger:      s.logger,
		FlushOnStop: true,
		Reporter: func(err error) {
			s.deps.Notifier.Notify(RebuildErrorTitle, err)
		},
	})
	s.mu.Lock()
	s.watcher = watcher
	s.debouncer = debouncer
	s.mu.Unlock()

	s.deps.Notifier.Status(fmt.Sprintf("Editing %s. Close the editor to finish.", filepath.Base(s.cfg.AssetPath)))
	s.logger.Info("session ready",
		"editor", editorPath,
		"host_path", hostPath,
		"debounce_ms", s.cfg.Debounce.Milliseconds(),
	)
	return editorPath, nil
}

// superviseEditor blocks until the editor exits.
func (s *Session) superviseEditor(ctx context.Context, editorPath string) error {
	start := time.Now()
	err := s.deps.Process.Run(ctx, editorPath, s.HostPath())
	elapsed := time.Since(start)
	editorDuration.Record(context.WithoutCancel(ctx), elapsed.Seconds())

	var cmdErr *process.CommandError
	switch {
	case err == nil:
		s.logger.Info("editor exited", "duration_ms", elapsed.Milliseconds())
		return nil
	case errors.As(err, &cmdErr):
		s.logger.Warn("editor failed", "exit_code", cmdErr.ExitCode, "stderr", cmdErr.Stderr)
		return fmt.Errorf("%w: %w", ErrEditorFailed, err)
	case ctx.Err() != nil:
		s.logger.Info("session canceled", "reason", context.Cause(ctx))
		return ctx.Err()
	default:
		return fmt.Errorf("launch editor: %w", err)
	}
}

// rebuild syncs the host document back to the asset. It runs only on the
// debounce loop goroutine or, after the loop stopped, from finalSync.
func (s *Session) rebuild(ctx context.Context) error {
	ctx, span := sessionTracer.Start(ctx, "session.rebuild")
	defer span.End()

	s.deps.Notifier.Status("Saving model...")

	hostPath := s.HostPath()
	// Remember this version even if it fails to sync: retrying the same
	// bytes at exit would only repeat the error.
	s.markSynced(hostPath)

	host, _, err := codec.ReadFile(hostPath)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("read place file: %w", err)
	}
	asset, err := hostdoc.Extract(host)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if err := codec.WriteRoot(s.cfg.AssetPath, asset, s.assetFormat); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("write asset: %w", err)
	}

	assetWrites.Add(ctx, 1)
	s.logger.Debug("asset saved", "instances", asset.Len()-1)
	return nil
}

// finalSync catches a save the loop never attempted, e.g. when the editor
// writes and exits within one debounce period.
func (s *Session) finalSync(ctx context.Context) {
	hostPath := s.HostPath()
	if hostPath == "" {
		return
	}
	stamp, err := stat(hostPath)
	if err != nil {
		return
	}
	s.mu.Lock()
	current := stamp.same(s.synced)
	s.mu.Unlock()
	if current {
		return
	}
	s.logger.Debug("syncing unsaved host changes")
	if err := s.rebuild(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("final sync failed", "error", err)
		s.deps.Notifier.Notify(RebuildErrorTitle, err)
	}
}

func (s *Session) markSynced(path string) {
	stamp, err := stat(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.synced = stamp
	s.mu.Unlock()
}

func (f fileStamp) same(o fileStamp) bool {
	return f.size == o.size && f.mod.Equal(o.mod)
}

func stat(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{mod: info.ModTime(), size: info.Size()}, nil
}

// close releases session resources in reverse order of acquisition. Safe
// to call more than once.
func (s *Session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watcher, dir, lock := s.watcher, s.dir, s.lock
	s.mu.Unlock()

	var errs []error
	if watcher != nil {
		watcher.Stop()
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove session directory: %w", err))
		}
	}
	if lock != nil {
		if err := lock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release asset lock: %w", err))
		}
	}
	return errors.Join(errs...)
}
