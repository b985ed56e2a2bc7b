// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging builds the structured slog logger used by Aleutian services.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                    Logger                    │
//	│  ┌────────────────────┐  ┌────────────────┐  │
//	│  │ console (stdout)   │  │ log file       │  │
//	│  │ text on a TTY,     │  │ (optional,     │  │
//	│  │ JSON otherwise     │  │ always JSON)   │  │
//	│  └────────────────────┘  └────────────────┘  │
//	└──────────────────────────────────────────────┘
//
// # Basic Usage
//
//	logger, err := logging.New(logging.Config{Level: logging.LevelInfo, Service: "orchestrator"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// Packages then log through slog directly:
//
//	slog.Info("Generation stream opened", "requestId", id, "backend", kind)
//
// # Format Selection
//
// FormatAuto writes human-readable text when the console is a terminal and
// JSON when it is a pipe or file, so containers ship machine-parseable logs
// without extra flags.
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting, such as per-chunk traces.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages: streams opened and closed.
	LevelInfo

	// LevelWarn is for rejected requests and degraded configuration.
	LevelWarn

	// LevelError is for failed backend calls and panics.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a level name to a Level.
//
// # Inputs
//
//   - s: "debug", "info", "warn"/"warning" or "error", case-insensitive.
//     Empty yields LevelInfo.
//
// # Outputs
//
//   - Level: Parsed level.
//   - error: Non-nil for any other value.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Format selects the console encoding.
type Format string

const (
	// FormatAuto picks text on a terminal and JSON otherwise.
	FormatAuto Format = "auto"

	// FormatJSON always writes JSON.
	FormatJSON Format = "json"

	// FormatText always writes logfmt-style text.
	FormatText Format = "text"
)

// Config configures the Logger.
//
// A zero-value Config writes Info+ messages to stdout, text on a terminal
// and JSON otherwise.
//
// Example configurations:
//
// Development:
//
//	Config{Level: LevelDebug, Format: FormatText}
//
// Container with an audit copy on disk:
//
//	Config{
//	    Level:   LevelInfo,
//	    Service: "orchestrator",
//	    LogFile: "/var/log/aleutian/orchestrator.log",
//	}
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo
	Level Level

	// Format selects the console encoding. Default: FormatAuto
	Format Format

	// Service is attached to every record as the "service" attribute.
	Service string

	// LogFile additionally appends JSON records to this path. The parent
	// directory is created with 0750 permissions. Supports ~ expansion.
	LogFile string

	// Output is the console destination. Default: os.Stdout
	Output io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the slog logger and any file it writes to.
type Logger struct {
	slog *slog.Logger
	file *os.File
	mu   sync.Mutex
}

// New creates a Logger from config.
//
// # Outputs
//
//   - *Logger: Ready logger; call Close to release the log file.
//   - error: Non-nil if the format is unknown or LogFile cannot be opened.
func New(config Config) (*Logger, error) {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	useJSON, err := wantJSON(config.Format, out)
	if err != nil {
		return nil, err
	}
	var console slog.Handler
	if useJSON {
		console = slog.NewJSONHandler(out, opts)
	} else {
		console = slog.NewTextHandler(out, opts)
	}

	logger := &Logger{}
	handler := console

	if config.LogFile != "" {
		path := expandPath(config.LogFile)
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logger.file = file
		handler = &multiHandler{handlers: []slog.Handler{console, slog.NewJSONHandler(file, opts)}}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger, nil
}

// Slog returns the underlying slog.Logger, typically passed to slog.SetDefault.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file, if any. Safe to call twice.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if syncErr != nil {
		return fmt.Errorf("sync log file: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close log file: %w", closeErr)
	}
	return nil
}

func wantJSON(format Format, out io.Writer) (bool, error) {
	switch format {
	case FormatJSON:
		return true, nil
	case FormatText:
		return false, nil
	case "", FormatAuto:
		return !isTerminal(out), nil
	default:
		return false, fmt.Errorf("unknown log format %q", format)
	}
}

// isTerminal reports whether w is a terminal. Non-file writers are not.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to every enabled handler and reports the first
// failure after all have been tried.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
