// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch turns file-system notifications on one path into settled
// rebuild calls.
//
// # Components
//
//   - FileWatcher: fsnotify adapter that forwards changes for a single file.
//   - Debouncer: Idle/Pending/Stopped state machine that collapses bursts of
//     writes into one rebuild after a quiet period.
//
// # Failure Isolation
//
// A rebuild that returns an error or panics is reported through the
// ErrorReporter and the Debouncer returns to Idle. Nothing a rebuild does
// can stop the loop; only context cancellation or a closed event channel can.
package watch

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by Run when the Debouncer has already stopped.
	ErrStopped = errors.New("debouncer stopped")

	// ErrAlreadyRunning is returned by Run when another Run is active.
	ErrAlreadyRunning = errors.New("debouncer already running")
)

// PanicError wraps a panic recovered from a rebuild.
type PanicError struct {
	// Value is the value passed to panic().
	Value any

	// Stack is the goroutine stack at recovery time.
	Stack string
}

// Error implements error.
func (e *PanicError) Error() string {
	return fmt.Sprintf("rebuild panicked: %v", e.Value)
}
