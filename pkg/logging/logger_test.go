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
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{Level(99), slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			if got := tt.level.toSlogLevel(); got != tt.want {
				t.Errorf("Level.toSlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "callscope-test",
		Quiet:   true,
	})
	logger.Info("file entry", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	filename := "callscope-test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "file entry") {
		t.Errorf("log file missing message, got: %s", data)
	}
	if !strings.Contains(string(data), `"service":"callscope-test"`) {
		t.Errorf("log file missing service attribute, got: %s", data)
	}
}

func TestNew_QuietWithoutDestinations(t *testing.T) {
	// Quiet with no LogDir must still produce a working logger.
	logger := New(Config{Quiet: true})
	logger.Info("should not panic")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestLogger_Exporter(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelDebug,
		Service:  "callscope-test",
		Quiet:    true,
		Exporter: exp,
	})
	defer logger.Close()

	logger.Info("exported message", "repo", "acme/widgets")

	// Export happens on a goroutine; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(exp.Entries()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(entries))
	}
	if entries[0].Message != "exported message" {
		t.Errorf("Message = %q, want %q", entries[0].Message, "exported message")
	}
	if entries[0].Service != "callscope-test" {
		t.Errorf("Service = %q, want %q", entries[0].Service, "callscope-test")
	}
	if entries[0].Attrs["repo"] != "acme/widgets" {
		t.Errorf("Attrs[repo] = %v, want acme/widgets", entries[0].Attrs["repo"])
	}
}

func TestLogger_ExporterLevelFilter(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Quiet:    true,
		Exporter: exp,
	})
	defer logger.Close()

	logger.Debug("filtered")
	logger.Info("filtered too")
	logger.Warn("kept")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(exp.Entries()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries := exp.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after level filter, got %d", len(entries))
	}
	if entries[0].Level != LevelWarn {
		t.Errorf("Level = %v, want %v", entries[0].Level, LevelWarn)
	}
}

func TestLogger_With(t *testing.T) {
	exp := NewBufferedExporter()
	parent := New(Config{Quiet: true, Exporter: exp})
	defer parent.Close()

	child := parent.With("request_id", "r-123")
	if child == parent {
		t.Fatal("With() must return a new logger")
	}
	child.Info("child message")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(exp.Entries()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(exp.Entries()) != 1 {
		t.Fatal("expected child log to reach the shared exporter")
	}
}

func TestNopExporter(t *testing.T) {
	var e NopExporter
	if err := e.Export(context.Background(), LogEntry{}); err != nil {
		t.Errorf("Export() error: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Errorf("Flush() error: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestArgsToMap(t *testing.T) {
	m := argsToMap([]any{"a", 1, "b", "two", 3, "ignored-key-not-string"})
	if len(m) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(m), m)
	}
	if m["a"] != 1 || m["b"] != "two" {
		t.Errorf("unexpected map contents: %v", m)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	got := expandPath("~/logs")
	want := filepath.Join(home, "logs")
	if got != want {
		t.Errorf("expandPath(~/logs) = %q, want %q", got, want)
	}

	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q, want unchanged", got)
	}
}
