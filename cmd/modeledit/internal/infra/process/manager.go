// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// stderrTailSize bounds how much stderr is kept for CommandError.
const stderrTailSize = 4 << 10

// ProcessManager runs external processes.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type ProcessManager interface {
	// Run executes a command attached to the terminal and waits for it.
	//
	// # Description
	//
	// Stdin and stdout are inherited. Stderr is passed through and its tail
	// is kept for error reporting. Cancelling ctx interrupts the process.
	//
	// # Inputs
	//
	//   - ctx: Cancels the process when done
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - error: nil on exit status 0; *CommandError on non-zero exit;
	//     ctx.Err() if cancelled; a start error if the process never ran.
	Run(ctx context.Context, name string, args ...string) error

	// LookPath resolves name to an executable path, like exec.LookPath.
	LookPath(name string) (string, error)
}

// DefaultProcessManager implements ProcessManager using os/exec.
type DefaultProcessManager struct {
	// Stdout and Stderr default to os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// GracePeriod is how long an interrupted process has to exit before it
	// is killed. Default: 5s
	GracePeriod time.Duration
}

// NewDefaultProcessManager creates a ProcessManager that executes real
// processes.
func NewDefaultProcessManager() *DefaultProcessManager {
	return &DefaultProcessManager{GracePeriod: 5 * time.Second}
}

// Run executes a command and waits for it to exit.
//
// The current trace context is passed to the child in TRACEPARENT so an
// instrumented editor can join the session trace.
func (pm *DefaultProcessManager) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = writerOr(pm.Stdout, os.Stdout)

	tail := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = io.MultiWriter(writerOr(pm.Stderr, os.Stderr), tail)
	cmd.Env = append(os.Environ(), traceEnv(ctx)...)

	cmd.Cancel = func() error {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = pm.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	err := cmd.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return NewCommandError(commandLine(name, args), exitCode, tail.String(), err)
}

// LookPath resolves name using exec.LookPath.
func (pm *DefaultProcessManager) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func writerOr(w, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}

func commandLine(name string, args []string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// traceEnv renders the propagated trace context as environment variables,
// e.g. TRACEPARENT=00-....
func traceEnv(ctx context.Context) []string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	env := make([]string, 0, len(carrier))
	for k, v := range carrier {
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// MockProcessManager is a test double for ProcessManager.
//
// Configure the mock by setting function fields before use. If a function
// field is nil, Run returns nil and LookPath returns the name unchanged.
//
// # Examples
//
//	mock := &MockProcessManager{
//	    RunFunc: func(ctx context.Context, name string, args ...string) error {
//	        return NewCommandError(name, 1, "crashed", nil)
//	    },
//	}
type MockProcessManager struct {
	// RunFunc is called when Run is invoked
	RunFunc func(ctx context.Context, name string, args ...string) error

	// LookPathFunc is called when LookPath is invoked
	LookPathFunc func(name string) (string, error)

	// Calls records all method invocations for verification
	Calls []ProcessManagerCall

	mu sync.Mutex
}

// ProcessManagerCall records a single method invocation.
type ProcessManagerCall struct {
	Method string
	Name   string
	Args   []string
}

// Run records the call and delegates to RunFunc. The lock is not held while
// RunFunc runs, since it usually blocks like a real editor.
func (m *MockProcessManager) Run(ctx context.Context, name string, args ...string) error {
	m.record(ProcessManagerCall{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		return nil
	}
	return m.RunFunc(ctx, name, args...)
}

// LookPath records the call and delegates to LookPathFunc.
func (m *MockProcessManager) LookPath(name string) (string, error) {
	m.record(ProcessManagerCall{Method: "LookPath", Name: name})
	if m.LookPathFunc == nil {
		return name, nil
	}
	return m.LookPathFunc(name)
}

func (m *MockProcessManager) record(call ProcessManagerCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// Reset clears all recorded calls.
func (m *MockProcessManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// GetCalls returns a copy of all recorded calls.
func (m *MockProcessManager) GetCalls() []ProcessManagerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]ProcessManagerCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance check.
var (
	_ ProcessManager = (*DefaultProcessManager)(nil)
	_ ProcessManager = (*MockProcessManager)(nil)
)
