// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package editor finds the external scene editor executable.
package editor

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// EnvVar overrides the configured editor path when set.
const EnvVar = "MODELEDIT_EDITOR"

// ErrEditorNotFound is returned when no editor executable can be located.
var ErrEditorNotFound = errors.New("scene editor not found")

// DefaultCandidates are executable names tried on PATH when nothing is
// configured.
var DefaultCandidates = []string{"modelstudio", "studio"}

// PathLooker resolves executable names. process.ProcessManager satisfies it.
type PathLooker interface {
	LookPath(name string) (string, error)
}

// Locator resolves the editor executable.
//
// # Description
//
// Resolution order, first match wins:
//
//  1. Path, if set (must exist and be a regular file)
//  2. $MODELEDIT_EDITOR, if set (same check)
//  3. Each of Candidates resolved through Looker
type Locator struct {
	// Path is an explicit editor path from flags or config.
	Path string

	// Candidates are names tried on PATH. Default: DefaultCandidates
	Candidates []string

	// Looker resolves candidate names. Required when Path and the
	// environment are both empty.
	Looker PathLooker

	// Getenv reads the environment. Default: os.Getenv
	Getenv func(string) string
}

// Locate returns the absolute or PATH-resolved editor path.
//
// # Outputs
//
//   - string: Path to execute.
//   - error: Wraps ErrEditorNotFound with what was tried.
func (l Locator) Locate() (string, error) {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	if l.Path != "" {
		return checkExecutable(l.Path, "configured editor")
	}
	if p := getenv(EnvVar); p != "" {
		return checkExecutable(p, EnvVar)
	}

	candidates := l.Candidates
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	if l.Looker != nil {
		for _, name := range candidates {
			if p, err := l.Looker.LookPath(name); err == nil {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%w: tried %s on PATH; set %s or editor.path",
		ErrEditorNotFound, strings.Join(candidates, ", "), EnvVar)
}

func checkExecutable(path, source string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s %q: %v", ErrEditorNotFound, source, path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s %q is a directory", ErrEditorNotFound, source, path)
	}
	return path, nil
}
