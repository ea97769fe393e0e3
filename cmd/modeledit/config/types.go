// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the user configuration for modeledit sessions.
package config

import (
	"time"

	"github.com/AleutianAI/modeledit/cmd/modeledit/internal/editor"
)

// ModelEditConfig is the root of ~/.modeledit/modeledit.yaml.
type ModelEditConfig struct {
	// Editor: how the external editor is found
	Editor EditorConfig `yaml:"editor"`

	// Sync: watch loop and host document settings
	Sync SyncConfig `yaml:"sync"`

	// Logging: structured log output
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry: traces and the metrics endpoint
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type EditorConfig struct {
	// Path pins the editor executable and skips the PATH search.
	Path string `yaml:"path,omitempty"`

	// Candidates are executable names searched on PATH, in order.
	Candidates []string `yaml:"candidates" validate:"dive,required,excludesall=/"`
}

type SyncConfig struct {
	Debounce     time.Duration `yaml:"debounce" validate:"min=10ms,max=10s"`
	HostFileName string        `yaml:"host_file_name" validate:"required,excludesall=/\\"`
	HostFormat   string        `yaml:"host_format" validate:"oneof=binary xml"`
	LockDir      string        `yaml:"lock_dir,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON   bool   `yaml:"json"`
	LogDir string `yaml:"log_dir,omitempty"`
}

type TelemetryConfig struct {
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint  string `yaml:"otlp_endpoint,omitempty" validate:"omitempty,hostname_port"`
	MetricsAddr   string `yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() ModelEditConfig {
	return ModelEditConfig{
		Editor: EditorConfig{
			Candidates: append([]string(nil), editor.DefaultCandidates...),
		},
		Sync: SyncConfig{
			Debounce:     200 * time.Millisecond,
			HostFileName: "modeledit temp place",
			HostFormat:   "binary",
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "none",
		},
	}
}
