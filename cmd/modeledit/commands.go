// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/modeledit/cmd/modeledit/config"
	"github.com/AleutianAI/modeledit/cmd/modeledit/internal/infra/process"
	"github.com/AleutianAI/modeledit/cmd/modeledit/internal/notify"
	"github.com/AleutianAI/modeledit/cmd/modeledit/internal/session"
	"github.com/AleutianAI/modeledit/pkg/logging"
	"github.com/AleutianAI/modeledit/services/scene/codec"
	"github.com/AleutianAI/modeledit/services/scene/telemetry"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// rootOptions holds flag values. Only flags the user set override the
// config file.
type rootOptions struct {
	configPath    string
	editorPath    string
	debounce      time.Duration
	logLevel      string
	jsonLogs      bool
	hostFormat    string
	metricsAddr   string
	traceExporter string
}

// app carries what the commands share. Tests swap the process manager.
type app struct {
	stdout  io.Writer
	stderr  io.Writer
	process process.ProcessManager
	opts    rootOptions
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, pm process.ProcessManager) int {
	a := &app{stdout: stdout, stderr: stderr, process: pm}
	cmd := a.rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "modeledit <asset>",
		Short: "Edit a model asset in an external place editor",
		Long: `modeledit wraps a model asset in a temporary place document, opens the
editor on it, and writes every save back to the asset until the editor closes.

Supported assets: .model (binary) and .modelx (XML).`,
		Version:       Version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          a.runEdit,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.opts.configPath, "config", "", "config file (default ~/.modeledit/modeledit.yaml)")

	f := root.Flags()
	f.StringVar(&a.opts.editorPath, "editor", "", "editor executable (overrides $MODELEDIT_EDITOR)")
	f.DurationVar(&a.opts.debounce, "debounce", 0, "quiet period before a save is synced (e.g. 200ms)")
	f.StringVar(&a.opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.BoolVar(&a.opts.jsonLogs, "json", false, "write logs as JSON")
	f.StringVar(&a.opts.hostFormat, "host-format", "", "place document format: binary or xml")
	f.StringVar(&a.opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&a.opts.traceExporter, "trace-exporter", "", "trace exporter: none, stdout, otlp")

	root.AddCommand(a.configCmd())
	return root
}

// loadConfig merges the config file with the flags that were set.
func (a *app) loadConfig(cmd *cobra.Command) (config.ModelEditConfig, error) {
	cfg, err := config.LoadConfig(a.opts.configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("editor") {
		cfg.Editor.Path = a.opts.editorPath
	}
	if flags.Changed("debounce") {
		cfg.Sync.Debounce = a.opts.debounce
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.opts.logLevel
	}
	if flags.Changed("json") {
		cfg.Logging.JSON = a.opts.jsonLogs
	}
	if flags.Changed("host-format") {
		cfg.Sync.HostFormat = a.opts.hostFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.Telemetry.MetricsAddr = a.opts.metricsAddr
	}
	if flags.Changed("trace-exporter") {
		cfg.Telemetry.TraceExporter = a.opts.traceExporter
	}
	return cfg, config.Validate(cfg)
}

func (a *app) runEdit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	assetPath := args[0]

	// Reject unknown assets before anything touches the disk.
	if _, err := codec.ModelFormatForPath(assetPath); err != nil {
		return err
	}

	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	hostFormat, err := codec.ParseFormat(cfg.Sync.HostFormat)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:  level,
		LogDir: cfg.Logging.LogDir,
		JSON:   cfg.Logging.JSON,
		Output: a.stderr,
	})
	defer logger.Close()

	shutdown, err := telemetry.Init(ctx, telemetryConfig(cfg, a.stderr))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := shutdown(sctx); serr != nil {
			logger.Warn("telemetry shutdown failed", "error", serr)
		}
	}()

	if cfg.Telemetry.MetricsAddr != "" {
		srv, err := telemetry.ServeMetrics(cfg.Telemetry.MetricsAddr)
		if err != nil {
			return fmt.Errorf("serve metrics: %w", err)
		}
		logger.Info("serving metrics", "addr", srv.Addr())
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Close(sctx)
		}()
	}

	throttle := notify.NewThrottle(notify.NewTerminal(a.stdout, a.stderr), 2*time.Second, 3)
	s, err := session.New(session.Config{
		AssetPath:        assetPath,
		EditorPath:       cfg.Editor.Path,
		EditorCandidates: cfg.Editor.Candidates,
		Debounce:         cfg.Sync.Debounce,
		HostFileName:     cfg.Sync.HostFileName,
		HostFormat:       hostFormat,
		LockDir:          cfg.Sync.LockDir,
	}, session.Deps{
		Process:  a.process,
		Notifier: notify.Multi{throttle, notify.Log{Logger: logger}},
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	err = s.Run(ctx)
	throttle.Flush()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("interrupted")
		}
		return err
	}
	return nil
}

func telemetryConfig(cfg config.ModelEditConfig, out io.Writer) telemetry.Config {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = Version
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	tcfg.MetricExporter = "none"
	if cfg.Telemetry.MetricsAddr != "" {
		tcfg.MetricExporter = "prometheus"
	}
	tcfg.Output = out
	return tcfg
}

func (a *app) configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the modeledit config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(a.opts.configPath)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(data)
			return err
		},
	}

	cfgCmd.AddCommand(initCmd, showCmd)
	return cfgCmd
}

func (a *app) configPath() (string, error) {
	if a.opts.configPath != "" {
		return a.opts.configPath, nil
	}
	return config.DefaultPath()
}
