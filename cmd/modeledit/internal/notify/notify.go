// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify surfaces session progress and errors to the user.
package notify

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/modeledit/pkg/logging"
)

var (
	colorError = lipgloss.Color("#E74C3C")
	colorMuted = lipgloss.Color("#2C4A54")
	colorTeal  = lipgloss.Color("#20B9B4")

	errorTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	errorBodyStyle  = lipgloss.NewStyle().Foreground(colorError)
	statusStyle     = lipgloss.NewStyle().Foreground(colorTeal)
	bulletStyle     = lipgloss.NewStyle().Foreground(colorMuted)
)

// Notifier delivers human-readable messages. Implementations must be safe
// for concurrent use and must not block for long.
type Notifier interface {
	// Notify reports err under a short title such as "Error".
	Notify(title string, err error)

	// Status reports progress such as "Saving model...".
	Status(msg string)
}

// Terminal writes to a pair of streams, styled when they are terminals.
type Terminal struct {
	out   io.Writer
	err   io.Writer
	color bool
	mu    sync.Mutex
}

// NewTerminal returns a Terminal on out and errOut. Styling is enabled only
// when errOut is an *os.File attached to a terminal.
func NewTerminal(out, errOut io.Writer) *Terminal {
	return &Terminal{out: out, err: errOut, color: isTerminal(errOut)}
}

// NewPlainTerminal returns a Terminal that never styles output.
func NewPlainTerminal(out, errOut io.Writer) *Terminal {
	return &Terminal{out: out, err: errOut}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Notify writes "<title>: <err>" to the error stream.
func (t *Terminal) Notify(title string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.color {
		fmt.Fprintf(t.err, "%s %s\n", errorTitleStyle.Render("✗ "+title+":"), errorBodyStyle.Render(err.Error()))
		return
	}
	fmt.Fprintf(t.err, "%s: %v\n", title, err)
}

// Status writes msg to the output stream.
func (t *Terminal) Status(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.color {
		fmt.Fprintf(t.out, "%s %s\n", bulletStyle.Render("│"), statusStyle.Render(msg))
		return
	}
	fmt.Fprintln(t.out, msg)
}

// Log records notifications in the structured log.
type Log struct {
	Logger *logging.Logger
}

// Notify logs err at Warn level.
func (l Log) Notify(title string, err error) {
	if err == nil || l.Logger == nil {
		return
	}
	l.Logger.Warn(title, "error", err)
}

// Status logs msg at Debug level.
func (l Log) Status(msg string) {
	if l.Logger == nil {
		return
	}
	l.Logger.Debug(msg)
}

// Multi fans out to every notifier in order.
type Multi []Notifier

// Notify forwards to every notifier.
func (m Multi) Notify(title string, err error) {
	for _, n := range m {
		n.Notify(title, err)
	}
}

// Status forwards to every notifier.
func (m Multi) Status(msg string) {
	for _, n := range m {
		n.Status(msg)
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Notify(string, error) {}
func (Discard) Status(string)        {}

var (
	_ Notifier = (*Terminal)(nil)
	_ Notifier = Log{}
	_ Notifier = Multi(nil)
	_ Notifier = Discard{}
)
