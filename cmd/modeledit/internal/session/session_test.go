// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modeledit/cmd/modeledit/internal/editor"
	"github.com/AleutianAI/modeledit/cmd/modeledit/internal/infra/process"
	"github.com/AleutianAI/modeledit/services/scene/codec"
	"github.com/AleutianAI/modeledit/services/scene/dom"
	"github.com/AleutianAI/modeledit/services/scene/dom/domtest"
	"github.com/AleutianAI/modeledit/services/scene/hostdoc"
)

// recorder is a Notifier that keeps everything it is told.
type recorder struct {
	mu       sync.Mutex
	statuses []string
	errs     []error
	titles   []string
}

func (r *recorder) Notify(title string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.errs = append(r.errs, err)
}

func (r *recorder) Status(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, msg)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func noEnv(string) string { return "" }

func carModel() *dom.DOM {
	d, _ := domtest.Build(hostdoc.RootClass,
		dom.Spec{Class: "Model", Name: "Car", Children: []dom.Spec{
			{Class: "Part", Name: "Body", Properties: map[string]dom.Value{"Color": dom.String("red")}},
		}},
	)
	return d
}

func writeAsset(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := codec.FormatForPath(path)
	require.NoError(t, err)
	require.NoError(t, codec.WriteRoot(path, carModel(), f))
	return path
}

func testConfig(t *testing.T, asset string) Config {
	return Config{
		AssetPath: asset,
		Debounce:  20 * time.Millisecond,
		LockDir:   t.TempDir(),
	}
}

func testDeps(pm *process.MockProcessManager, n *recorder) Deps {
	return Deps{Process: pm, Notifier: n, Getenv: noEnv}
}

// editHost plays the editor: it loads the host document, lets edit change
// the mount point, and saves it the way an editor does (replace by rename).
func editHost(hostPath string, edit func(host *dom.DOM, mount dom.Ref) error) error {
	host, f, err := codec.ReadFile(hostPath)
	if err != nil {
		return err
	}
	mount, err := hostdoc.FindMountPoint(host)
	if err != nil {
		return err
	}
	if err := edit(host, mount); err != nil {
		return err
	}
	return codec.WriteRoot(hostPath, host, f)
}

// addSpoiler adds a part to the car and the editor's default camera and
// terrain to the mount point.
func addSpoiler(host *dom.DOM, mount dom.Ref) error {
	kids, err := host.Children(mount)
	if err != nil {
		return err
	}
	if len(kids) != 1 {
		return fmt.Errorf("mount point has %d children, want 1", len(kids))
	}
	if _, err := host.Insert(kids[0], dom.Spec{Class: "Part", Name: "Spoiler"}); err != nil {
		return err
	}
	if _, err := host.Insert(mount, dom.Spec{Class: "Camera", Name: "Camera"}); err != nil {
		return err
	}
	_, err = host.Insert(mount, dom.Spec{Class: "Terrain", Name: "Terrain"})
	return err
}

func withSpoiler() []domtest.Shape {
	return []domtest.Shape{{
		Class: "Model", Name: "Car", Children: []domtest.Shape{
			{Class: "Part", Name: "Body", Properties: map[string]any{"Color": dom.String("red")}},
			{Class: "Part", Name: "Spoiler"},
		},
	}}
}

func assetShapes(path string) ([]domtest.Shape, error) {
	d, _, err := codec.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return domtest.RootShapes(d), nil
}

// waitFor polls cond from a goroutine that must not call t.FailNow.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestNew_UnsupportedFormat(t *testing.T) {
	asset := filepath.Join(t.TempDir(), "car.txt")
	pm := &process.MockProcessManager{}

	_, err := New(Config{AssetPath: asset}, testDeps(pm, &recorder{}))

	assert.ErrorIs(t, err, codec.ErrUnsupportedFormat)
	assert.Contains(t, err.Error(), "'.txt'")
	assert.Empty(t, pm.GetCalls())
	_, statErr := os.Stat(asset)
	assert.True(t, os.IsNotExist(statErr), "nothing may be written for an unsupported asset")
}

func TestNew_RejectsPlaceAsset(t *testing.T) {
	for _, name := range []string{"world.place", "world.placex"} {
		t.Run(name, func(t *testing.T) {
			pm := &process.MockProcessManager{}

			_, err := New(Config{AssetPath: filepath.Join(t.TempDir(), name)}, testDeps(pm, &recorder{}))

			assert.ErrorIs(t, err, codec.ErrUnsupportedFormat)
			assert.Contains(t, err.Error(), "'"+filepath.Ext(name)+"'")
			assert.Empty(t, pm.GetCalls())
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	s, err := New(Config{AssetPath: "car.model"}, Deps{})
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(s.cfg.AssetPath))
	assert.Equal(t, 200*time.Millisecond, s.cfg.Debounce)
	assert.Equal(t, DefaultHostFileName, s.cfg.HostFileName)
	assert.Equal(t, codec.FormatBinary, s.cfg.HostFormat)
	assert.Equal(t, editor.DefaultCandidates, s.cfg.EditorCandidates)
	assert.NotEmpty(t, s.ID())
	assert.Empty(t, s.HostPath())
}

func TestRun_SyncsSavesBackToAsset(t *testing.T) {
	asset := writeAsset(t, "car.model")
	rec := &recorder{}

	var hostPath string
	pm := &process.MockProcessManager{
		LookPathFunc: func(name string) (string, error) { return "/opt/bin/" + name, nil },
		RunFunc: func(ctx context.Context, name string, args ...string) error {
			if len(args) != 1 {
				return fmt.Errorf("editor args = %v", args)
			}
			hostPath = args[0]
			if err := editHost(hostPath, addSpoiler); err != nil {
				return err
			}
			// Stay open until the loop has synced, like a user would.
			synced := waitFor(3*time.Second, func() bool {
				got, err := assetShapes(asset)
				return err == nil && cmp.Equal(withSpoiler(), got)
			})
			if !synced {
				return errors.New("asset was not synced while the editor was open")
			}
			return nil
		},
	}

	s, err := New(testConfig(t, asset), testDeps(pm, rec))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	got, err := assetShapes(asset)
	require.NoError(t, err)
	if diff := cmp.Diff(withSpoiler(), got); diff != "" {
		t.Errorf("asset mismatch (-want +got):\n%s", diff)
	}

	calls := pm.GetCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "LookPath", calls[0].Method)
	assert.Equal(t, "Run", calls[1].Method)
	assert.Equal(t, "/opt/bin/modelstudio", calls[1].Name)

	assert.Equal(t, DefaultHostFileName+".place", filepath.Base(hostPath))
	_, statErr := os.Stat(filepath.Dir(hostPath))
	assert.True(t, os.IsNotExist(statErr), "session directory should be removed")

	assert.Contains(t, rec.statuses, "Saving model...")
	assert.Empty(t, rec.errors())
	assert.GreaterOrEqual(t, s.Stats().Rebuilds, 1)
}

func TestRun_RebuildFailureIsIsolated(t *testing.T) {
	asset := writeAsset(t, "car.model")
	rec := &recorder{}

	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) error {
			hostPath := args[0]
			if err := os.WriteFile(hostPath, []byte("half-written place"), 0o600); err != nil {
				return err
			}
			if !waitFor(3*time.Second, func() bool { return len(rec.errors()) > 0 }) {
				return errors.New("bad save was never reported")
			}
			if err := codec.WriteRoot(hostPath, hostFor(carModel()), codec.FormatBinary); err != nil {
				return err
			}
			if err := editHost(hostPath, addSpoiler); err != nil {
				return err
			}
			if !waitFor(3*time.Second, func() bool {
				got, err := assetShapes(asset)
				return err == nil && cmp.Equal(withSpoiler(), got)
			}) {
				return errors.New("good save after a bad one was not synced")
			}
			return nil
		},
	}

	s, err := New(testConfig(t, asset), testDeps(pm, rec))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	errs := rec.errors()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], codec.ErrMalformed)
	assert.Equal(t, RebuildErrorTitle, rec.titles[0])

	stats := s.Stats()
	assert.GreaterOrEqual(t, stats.Failures, 1)
	assert.Greater(t, stats.Rebuilds, stats.Failures)
}

func hostFor(model *dom.DOM) *dom.DOM {
	host, _, _ := hostdoc.BuildFromRoot(model)
	return host
}

func TestRun_MissingMountPointReported(t *testing.T) {
	asset := writeAsset(t, "car.model")
	rec := &recorder{}

	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) error {
			noMount := dom.New(hostdoc.RootClass)
			if _, err := noMount.Insert(noMount.Root(), dom.Spec{Class: "Lighting"}); err != nil {
				return err
			}
			if err := codec.WriteRoot(args[0], noMount, codec.FormatBinary); err != nil {
				return err
			}
			if !waitFor(3*time.Second, func() bool { return len(rec.errors()) > 0 }) {
				return errors.New("missing mount point was never reported")
			}
			return nil
		},
	}

	s, err := New(testConfig(t, asset), testDeps(pm, rec))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	assert.ErrorIs(t, rec.errors()[0], hostdoc.ErrMountPointNotFound)
	got, err := assetShapes(asset)
	require.NoError(t, err)
	assert.Equal(t, "Car", got[0].Name, "asset must be untouched by a failed rebuild")
}

func TestRun_SaveJustBeforeExitIsNotLost(t *testing.T) {
	asset := writeAsset(t, "car.modelx")
	cfg := testConfig(t, asset)
	cfg.Debounce = 10 * time.Second

	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) error {
			return editHost(args[0], addSpoiler)
		},
	}

	s, err := New(cfg, testDeps(pm, &recorder{}))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	d, f, err := codec.ReadFile(asset)
	require.NoError(t, err)
	assert.Equal(t, codec.FormatXML, f)
	if diff := cmp.Diff(withSpoiler(), domtest.RootShapes(d)); diff != "" {
		t.Errorf("asset mismatch (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(asset)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<modeledit", "asset keeps its own format")
}

func TestRun_XMLHostDocument(t *testing.T) {
	asset := writeAsset(t, "car.model")
	cfg := testConfig(t, asset)
	cfg.HostFormat = codec.FormatXML
	cfg.HostFileName = "scratch"

	var hostName string
	var hostFormat codec.Format
	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) error {
			hostName = filepath.Base(args[0])
			_, f, err := codec.ReadFile(args[0])
			hostFormat = f
			return err
		},
	}

	s, err := New(cfg, testDeps(pm, &recorder{}))
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, "scratch.placex", hostName)
	assert.Equal(t, codec.FormatXML, hostFormat)
}

func TestRun_EditorFailure(t *testing.T) {
	asset := writeAsset(t, "car.model")
	cfg := testConfig(t, asset)

	var hostPath string
	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) error {
			hostPath = args[0]
			return process.NewCommandError(name, 1, "studio crashed", nil)
		},
	}

	s, err := New(cfg, testDeps(pm, &recorder{}))
	require.NoError(t, err)
	err = s.Run(context.Background())

	require.ErrorIs(t, err, ErrEditorFailed)
	var cmdErr *process.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitCode)

	_, statErr := os.Stat(filepath.Dir(hostPath))
	assert.True(t, os.IsNotExist(statErr), "session directory should be removed on failure")

	lock := process.NewProcessLock(process.ProcessLockConfig{
		LockDir:  cfg.LockDir,
		LockName: process.LockNameFor(asset),
	})
	require.NoError(t, lock.Acquire(), "asset lock should be released on failure")
	require.NoError(t, lock.Release())
}

func TestRun_EditorLaunchFailure(t *testing.T) {
	asset := writeAsset(t, "car.model")
	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) error {
			return fmt.Errorf("start %s: %w", name, os.ErrPermission)
		},
	}

	s, err := New(testConfig(t, asset), testDeps(pm, &recorder{}))
	require.NoError(t, err)
	err = s.Run(context.Background())

	assert.ErrorIs(t, err, os.ErrPermission)
	assert.NotErrorIs(t, err, ErrEditorFailed)
}

func TestRun_EditorNotFound(t *testing.T) {
	asset := writeAsset(t, "car.model")
	pm := &process.MockProcessManager{
		LookPathFunc: func(name string) (string, error) { return "", errors.New("not found") },
	}

	s, err := New(testConfig(t, asset), testDeps(pm, &recorder{}))
	require.NoError(t, err)
	err = s.Run(context.Background())

	assert.ErrorIs(t, err, editor.ErrEditorNotFound)
	for _, c := range pm.GetCalls() {
		assert.NotEqual(t, "Run", c.Method)
	}
}

func TestRun_MissingAsset(t *testing.T) {
	asset := filepath.Join(t.TempDir(), "gone.model")

	s, err := New(testConfig(t, asset), testDeps(&process.MockProcessManager{}, &recorder{}))
	require.NoError(t, err)

	assert.ErrorIs(t, s.Run(context.Background()), os.ErrNotExist)
}

func TestRun_CanceledContext(t *testing.T) {
	asset := writeAsset(t, "car.model")
	started := make(chan string, 1)

	pm := &process.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) error {
			started <- args[0]
			<-ctx.Done()
			return ctx.Err()
		},
	}

	s, err := New(testConfig(t, asset), testDeps(pm, &recorder{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var hostPath string
	select {
	case hostPath = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("editor never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, statErr := os.Stat(filepath.Dir(hostPath))
	assert.True(t, os.IsNotExist(statErr), "session directory should be removed on cancel")
}

func TestRun_OnlyOnce(t *testing.T) {
	asset := writeAsset(t, "car.model")
	s, err := New(testConfig(t, asset), testDeps(&process.MockProcessManager{}, &recorder{}))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Error(t, s.Run(context.Background()))
}
