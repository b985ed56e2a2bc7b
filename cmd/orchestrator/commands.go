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
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDraw/pkg/logging"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/config"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/prompt"
)

// Environment variables read by serve. Backend variables live in config.
const (
	envPort          = "ORCHESTRATOR_PORT"
	envGinMode       = "GIN_MODE"
	envTraceExporter = "TRACE_EXPORTER"
	envOTelEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envLogLevel      = "LOG_LEVEL"
)

// errIncompleteEnv is returned by `resolve --check`.
var errIncompleteEnv = errors.New("environment backend configuration is incomplete")

// serveFlags holds the values bound to serve's flags.
type serveFlags struct {
	configPath       string
	port             int
	ginMode          string
	traceExporter    string
	otelEndpoint     string
	heartbeat        time.Duration
	maxRequestBytes  int64
	backendTimeout   time.Duration
	systemPromptFile string
	disableMetrics   bool
	logLevel         string
	logFormat        string
	logFile          string
}

// newRootCmd builds the command tree. lookup reads the environment.
func newRootCmd(lookup config.LookupFunc) *cobra.Command {
	flags := &serveFlags{}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the diagram generation server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags, lookup)
		},
	}
	bindServeFlags(serveCmd, flags)

	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Stream Excalidraw diagrams generated by an LLM backend over SSE",
		Long: `orchestrator serves POST /api/generate. Each request is turned into a
system and user prompt, sent to an OpenAI-compatible, Anthropic or Ollama
backend, and the streamed completion is relayed to the client as
Server-Sent Events.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         serveCmd.RunE,
	}
	bindServeFlags(rootCmd, flags)

	rootCmd.AddCommand(serveCmd, newResolveCmd(lookup), newChartTypesCmd())
	return rootCmd
}

func bindServeFlags(cmd *cobra.Command, f *serveFlags) {
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.IntVar(&f.port, "port", 0, "HTTP port (env "+envPort+")")
	fs.StringVar(&f.ginMode, "gin-mode", "", "Gin mode: debug, release or test (env "+envGinMode+")")
	fs.StringVar(&f.traceExporter, "trace-exporter", "", "Span exporter: otlp, stdout or none (env "+envTraceExporter+")")
	fs.StringVar(&f.otelEndpoint, "otel-endpoint", "", "OTLP gRPC collector endpoint (env "+envOTelEndpoint+")")
	fs.DurationVar(&f.heartbeat, "heartbeat", 0, "SSE keepalive interval, negative disables")
	fs.Int64Var(&f.maxRequestBytes, "max-request-bytes", 0, "Request body limit in bytes, negative disables")
	fs.DurationVar(&f.backendTimeout, "backend-timeout", 0, "Upper bound for one backend call")
	fs.StringVar(&f.systemPromptFile, "system-prompt-file", "", "Replace the built-in system prompt")
	fs.BoolVar(&f.disableMetrics, "disable-metrics", false, "Do not expose GET /metrics")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (env "+envLogLevel+")")
	fs.StringVar(&f.logFormat, "log-format", string(logging.FormatAuto), "auto, json or text")
	fs.StringVar(&f.logFile, "log-file", "", "Also append JSON logs to this file")
}

// =============================================================================
// serve
// =============================================================================

func runServe(cmd *cobra.Command, f *serveFlags, lookup config.LookupFunc) error {
	logger, err := newLogger(f, lookup)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg, err := buildConfig(f, cmd.Flags().Changed, lookup)
	if err != nil {
		return err
	}

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"trace_exporter", cfg.TraceExporter,
		"metrics", !cfg.DisableMetrics,
	)

	svc, err := orchestrator.New(cfg, &orchestrator.Dependencies{
		Env: envSnapshot(lookup),
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("orchestrator error: %w", err)
	}
	slog.Info("Orchestrator stopped")
	return nil
}

func newLogger(f *serveFlags, lookup config.LookupFunc) (*logging.Logger, error) {
	levelName := f.logLevel
	if levelName == "" {
		levelName, _ = lookup(envLogLevel)
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(f.logFormat),
		Service: orchestrator.ServiceName,
		LogFile: f.logFile,
	})
}

// buildConfig layers defaults < YAML file < environment < flags. Defaults
// themselves are applied later by orchestrator.New.
func buildConfig(f *serveFlags, changed func(string) bool, lookup config.LookupFunc) (orchestrator.Config, error) {
	var cfg orchestrator.Config
	if f.configPath != "" {
		fileCfg, err := orchestrator.LoadConfigFile(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = fileCfg
	}

	if v, ok := lookupNonEmpty(lookup, envPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s %q: %w", envPort, v, err)
		}
		cfg.Port = port
	}
	if v, ok := lookupNonEmpty(lookup, envGinMode); ok {
		cfg.GinMode = v
	}
	if v, ok := lookupNonEmpty(lookup, envTraceExporter); ok {
		cfg.TraceExporter = v
	}
	if v, ok := lookupNonEmpty(lookup, envOTelEndpoint); ok {
		cfg.OTelEndpoint = v
	}

	if changed("port") {
		cfg.Port = f.port
	}
	if changed("gin-mode") {
		cfg.GinMode = f.ginMode
	}
	if changed("trace-exporter") {
		cfg.TraceExporter = f.traceExporter
	}
	if changed("otel-endpoint") {
		cfg.OTelEndpoint = f.otelEndpoint
	}
	if changed("heartbeat") {
		cfg.HeartbeatInterval = f.heartbeat
	}
	if changed("max-request-bytes") {
		cfg.MaxRequestBytes = f.maxRequestBytes
	}
	if changed("backend-timeout") {
		cfg.BackendTimeout = f.backendTimeout
	}
	if changed("system-prompt-file") {
		cfg.SystemPromptFile = f.systemPromptFile
	}
	if changed("disable-metrics") {
		cfg.DisableMetrics = f.disableMetrics
	}
	return cfg, nil
}

func lookupNonEmpty(lookup config.LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func envSnapshot(lookup config.LookupFunc) *config.EnvSnapshot {
	env := config.NewEnvSnapshot(lookup)
	return &env
}

// =============================================================================
// resolve
// =============================================================================

func newResolveCmd(lookup config.LookupFunc) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the environment backend used by requests without config",
		Long: `resolve reads LLM_TYPE, LLM_BASE_URL, LLM_API_KEY (or LLM_API_KEY_FILE)
and LLM_MODEL the same way the server does and prints the result with the
API key masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := config.NewEnvSnapshot(lookup)
			fmt.Fprint(cmd.OutOrStdout(), env.Describe())
			if check && !env.Complete() {
				return errIncompleteEnv
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Exit non-zero when the configuration is incomplete")
	return cmd
}

// =============================================================================
// chart-types
// =============================================================================

func newChartTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chart-types",
		Short: "List the chartType hints accepted by /api/generate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "%s\t%s\n", prompt.ChartTypeAuto, "let the model choose")
			for _, ct := range prompt.ChartTypes() {
				fmt.Fprintf(w, "%s\t%s\n", ct.Key, ct.Description)
			}
			return w.Flush()
		},
	}
}
