// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{" info ", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.name)
			if err != nil {
				t.Fatalf("ParseLevel(%q) error: %v", tt.name, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestParseLevel_Unknown(t *testing.T) {
	_, err := ParseLevel("loud")
	if !errors.Is(err, ErrUnknownLevel) {
		t.Errorf("ParseLevel(loud) error = %v, want ErrUnknownLevel", err)
	}
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_RejectsUnknownFormat(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("New error = %v, want ErrUnknownFormat", err)
	}
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	if !errors.Is(err, ErrUnknownLevel) {
		t.Errorf("New error = %v, want ErrUnknownLevel", err)
	}
}

// readLogFile returns the contents of the single log file under dir.
func readLogFile(t *testing.T, dir string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one log file in %s, got %v (err %v)", dir, matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(data)
}

func TestNew_FileLoggingWritesJSON(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{
		Level:   "debug",
		Format:  FormatJSON,
		Service: "mergepilot",
		LogDir:  dir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Slog().Info("slot reserved", "change_id", "abc123")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	content := readLogFile(t, dir)
	line := strings.TrimSpace(strings.Split(content, "\n")[0])
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("file log line is not JSON: %v\n%s", err, line)
	}
	if entry["msg"] != "slot reserved" {
		t.Errorf("msg = %v, want %q", entry["msg"], "slot reserved")
	}
	if entry["service"] != "mergepilot" {
		t.Errorf("service = %v, want mergepilot", entry["service"])
	}
	if entry["change_id"] != "abc123" {
		t.Errorf("change_id = %v, want abc123", entry["change_id"])
	}
}

func TestNew_LevelFiltersFileOutput(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{Level: "warn", Format: FormatJSON, LogDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logger.Slog().Info("dropped")
	logger.Slog().Warn("kept")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	content := readLogFile(t, dir)
	if strings.Contains(content, "dropped") {
		t.Error("info record leaked past warn level")
	}
	if !strings.Contains(content, "kept") {
		t.Error("warn record missing from file")
	}
}

func TestNew_BadLogDirFails(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "occupied")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	// LogDir points at an existing regular file; MkdirAll must fail.
	_, err := New(Config{LogDir: blocker})
	if err == nil {
		t.Fatal("expected error for unusable log dir")
	}
}

func TestClose_Idempotent(t *testing.T) {
	logger, err := New(Config{LogDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSetup_InstallsDefault(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	dir := t.TempDir()
	logger, err := Setup(Config{Format: FormatJSON, Service: "mergepilot", LogDir: dir})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	// Package-level slog calls must route through the configured handler.
	slog.Info("routed through default")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !strings.Contains(readLogFile(t, dir), "routed through default") {
		t.Error("default logger did not route to the configured handlers")
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_FansOutByLevel(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	handler := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewJSONHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	logger := slog.New(handler)

	logger.Info("info record")
	logger.Warn("warn record")

	if !strings.Contains(debugBuf.String(), "info record") {
		t.Error("debug handler missed info record")
	}
	if strings.Contains(warnBuf.String(), "info record") {
		t.Error("warn handler received info record")
	}
	if !strings.Contains(warnBuf.String(), "warn record") {
		t.Error("warn handler missed warn record")
	}
}

func TestMultiHandler_WithAttrsReachesAll(t *testing.T) {
	var a, b bytes.Buffer
	handler := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	}}
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("service", "mergepilot")}))

	logger.Info("tagged")

	for name, buf := range map[string]*bytes.Buffer{"a": &a, "b": &b} {
		if !strings.Contains(buf.String(), `"service":"mergepilot"`) {
			t.Errorf("handler %s missing service attribute: %s", name, buf.String())
		}
	}
}

func TestMultiHandler_Enabled(t *testing.T) {
	handler := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}),
	}}
	ctx := context.Background()

	if !handler.Enabled(ctx, slog.LevelInfo) {
		t.Error("Enabled(info) = false, want true (one handler accepts info)")
	}
	if handler.Enabled(ctx, slog.LevelDebug) {
		t.Error("Enabled(debug) = true, want false")
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	got := expandPath("~/logs")
	want := filepath.Join(home, "logs")
	if got != want {
		t.Errorf("expandPath(~/logs) = %s, want %s", got, want)
	}

	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %s, want unchanged", got)
	}
}
