// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging bootstraps the process-wide structured logger.
//
// Every merge-pilot package logs through the default slog logger; this
// package decides where those records go and how they are rendered. The
// CLI calls Setup once at startup, before any other component runs.
//
// Output format follows the terminal: an interactive stderr gets
// human-readable text, a pipe or container runtime gets JSON. Both can be
// forced through Config.Format. When Config.LogDir is set, records are
// additionally appended to a date-stamped JSON file so one-shot CLI runs
// leave a machine-readable trail.
package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

var (
	// ErrUnknownLevel means Config.Level is not one of debug, info, warn,
	// or error.
	ErrUnknownLevel = errors.New("logging: unknown level")

	// ErrUnknownFormat means Config.Format is not one of auto, text, or
	// json.
	ErrUnknownFormat = errors.New("logging: unknown format")
)

// Output formats accepted by Config.Format.
const (
	// FormatAuto renders text on an interactive terminal and JSON
	// everywhere else.
	FormatAuto = "auto"

	// FormatText forces human-readable key=value output.
	FormatText = "text"

	// FormatJSON forces one JSON object per line.
	FormatJSON = "json"
)

// Config configures the process logger.
//
// The zero value is usable: info level, auto format, stderr only.
type Config struct {
	// Level is the minimum severity to emit: debug, info, warn, or error.
	// Empty means info.
	Level string `yaml:"level"`

	// Format selects the stderr rendering: auto, text, or json.
	// Empty means auto.
	Format string `yaml:"format"`

	// Service is attached to every record as the "service" attribute.
	// Empty omits the attribute.
	Service string `yaml:"service"`

	// LogDir, when set, additionally appends records to
	// "{Service}_{YYYY-MM-DD}.log" under this directory, always as JSON.
	// A leading ~ expands to the user's home directory. The directory is
	// created if missing.
	LogDir string `yaml:"log_dir"`
}

// ParseLevel maps a level name to its slog.Level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, name)
	}
}

// Logger owns the configured handler stack and the optional log file.
//
// Thread Safety: all methods are safe for concurrent use. Close is
// idempotent.
type Logger struct {
	slog *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a Logger from cfg without touching the process default.
//
// Inputs:
//   - cfg: see Config. Bad Level or Format values fail with
//     ErrUnknownLevel or ErrUnknownFormat; an unusable LogDir fails with
//     the underlying filesystem error.
//
// Outputs:
//   - *Logger: ready to use; callers that set LogDir should Close it.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var stderrHandler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatAuto:
		if stderrIsTerminal() {
			stderrHandler = slog.NewTextHandler(os.Stderr, opts)
		} else {
			stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
		}
	case FormatText:
		stderrHandler = slog.NewTextHandler(os.Stderr, opts)
	case FormatJSON:
		stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, cfg.Format)
	}

	logger := &Logger{}
	handlers := []slog.Handler{stderrHandler}

	if cfg.LogDir != "" {
		file, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			return nil, err
		}
		logger.file = file
		// File records are always JSON; they exist for machines.
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = &multiHandler{handlers: handlers}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}

	logger.slog = slog.New(handler)
	return logger, nil
}

// Setup builds a Logger from cfg and installs it as the slog default, so
// package-level slog calls across the process route through it.
func Setup(cfg Config) (*Logger, error) {
	logger, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger.Slog())
	return logger, nil
}

// Slog returns the underlying structured logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close releases the log file, if one was opened. Safe to call twice.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// openLogFile opens the date-stamped log file for appending, creating the
// directory if needed.
func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", err)
	}
	if service == "" {
		service = "mergepilot"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return file, nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// ============================================================================
// Multi-handler
// ============================================================================

// multiHandler fans one record out to every destination, so stderr and the
// log file can render the same stream differently.
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
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
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
