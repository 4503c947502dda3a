// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for Aleutian services.
//
// The package is a thin layer over Go's standard slog: it owns handler
// construction (level, format, destinations) so services configure
// logging from their config files and hand plain *slog.Logger values
// down to their components.
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   "info",
//	    Format:  "json",
//	    Service: "lineage",
//	})
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// # File Logging
//
// Setting LogDir writes JSON log lines to "{service}_{date}.log" in
// addition to stderr. The directory is created with 0750 permissions
// if it doesn't exist.
//
// # Log Levels
//
// Four levels are supported, matching slog conventions:
//
//   - debug: Development troubleshooting, verbose output
//   - info: Normal operations (request start/end, state changes)
//   - warn: Recoverable issues (retry attempts, degraded mode)
//   - error: Operation failures (but system continues)
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data.
// Callers must ensure PII, tokens, and secrets are not logged.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config configures the Logger behavior.
//
// All fields have sensible defaults. A zero-value Config creates a
// logger that writes Info+ messages to stderr in text format.
type Config struct {
	// Level sets the minimum log level: debug, info, warn, or error.
	// Unknown values fall back to info.
	// Default: "info"
	Level string

	// Format selects the stderr format: "json" or "text".
	// File logs are always JSON regardless of this setting.
	// Default: "text"
	Format string

	// Service identifies the component generating logs.
	//
	// The value is included in every entry as the "service" attribute,
	// making it easy to filter logs by component in aggregated systems.
	// Default: "" (no service attribute)
	Service string

	// LogDir enables file logging to the specified directory.
	//
	// When set, logs are written to both stderr and a file named
	// "{Service}_{YYYY-MM-DD}.log". Supports ~ for home directory
	// expansion.
	// Default: "" (file logging disabled)
	LogDir string

	// Quiet disables stderr output. Useful for daemon processes where
	// stderr isn't monitored.
	// Default: false (stderr enabled)
	Quiet bool
}

// ParseLevel maps a level name to its slog level. Unknown names map to
// slog.LevelInfo.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger provides structured logging with multi-destination output.
//
// Thread Safety: Safe for concurrent use from multiple goroutines.
// Close() must be called once, after all logging has stopped.
type Logger struct {
	// slog is the underlying structured logger
	slog *slog.Logger

	// file is the optional log file handle (nil if file logging disabled)
	file *os.File
}

// New creates a new Logger with the given configuration.
//
// Description:
//
//	Builds the handler chain: a stderr handler in the configured format
//	(unless Quiet), plus a JSON file handler when LogDir is set. A file
//	open failure degrades to stderr-only with a warning rather than
//	failing service startup.
//
// The returned Logger must be closed with Close() to release the file.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level)}

	var handlers []slog.Handler
	if !config.Quiet {
		if strings.EqualFold(config.Format, "json") {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	logger := &Logger{}
	if config.LogDir != "" {
		file, err := openLogFile(config.LogDir, config.Service)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: file logging disabled: %v\n", err)
		} else {
			logger.file = file
			// Always use JSON for file logs (machine-parseable)
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Fallback: at least write to stderr
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	// Add service attribute to all logs
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns a logger with default settings: Info level, stderr
// only, text format.
func Default() *Logger {
	return New(Config{})
}

// Slog returns the underlying slog.Logger for passing to components.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// With returns a logger with additional attributes. The child shares
// the parent's file handle; close only the root logger.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), file: l.file}
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs a message at Info level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs a message at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs a message at Error level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Close releases the log file, if any. Idempotent.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// openLogFile opens (appending) the dated log file for a service.
func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "aleutian"
	}
	filename := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// multiHandler fans a record out to every destination handler.
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

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
		}
	}
	return path
}
