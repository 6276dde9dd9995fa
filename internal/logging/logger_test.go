package logging

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesToBuffer(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelInfo, io.Discard)

	logger.Info("watch started", map[string]string{"root": "/tmp/project"})

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != LevelInfo {
		t.Fatalf("expected info level, got %q", entry.Level)
	}
	if entry.Message != "watch started" {
		t.Fatalf("expected message watch started, got %q", entry.Message)
	}
	if entry.Context["root"] != "/tmp/project" {
		t.Fatalf("expected context root=/tmp/project, got %v", entry.Context)
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelWarning, io.Discard)

	logger.Debug("debug", nil)
	logger.Info("info", nil)
	logger.Warn("warn", nil)
	logger.Error("error", nil)

	entries := buffer.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != LevelWarning || entries[1].Level != LevelError {
		t.Fatalf("unexpected levels: %q, %q", entries[0].Level, entries[1].Level)
	}
}

func TestLoggerWithCarriesBaseFields(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelDebug, io.Discard)
	child := logger.With(map[string]string{"component": "watcher"})

	child.Debug("event", map[string]string{"path": "a.txt"})

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	context := entries[0].Context
	if context["component"] != "watcher" {
		t.Fatalf("expected component=watcher, got %v", context)
	}
	if context["path"] != "a.txt" {
		t.Fatalf("expected path=a.txt, got %v", context)
	}
}

func TestLoggerSubscribeDeliversEntries(t *testing.T) {
	logger := NewLoggerWithOutput(NewLogBuffer(50), LevelInfo, io.Discard)
	output, cancel := logger.Subscribe()
	defer cancel()

	const total = 50
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			logger.Info("message", nil)
		}
		close(done)
	}()

	received := 0
	deadline := time.After(2 * time.Second)
	for received < total {
		select {
		case <-output:
			received++
		case <-deadline:
			t.Fatalf("timed out after receiving %d entries", received)
		}
	}

	<-done
}

func TestFormatEntrySortsContextKeys(t *testing.T) {
	line := formatEntry(LogEntry{
		Level:   LevelInfo,
		Message: "cache invalidated",
		Context: map[string]string{"reason": "update", "path": "b.txt"},
	})

	if !strings.HasPrefix(line, `level=info msg="cache invalidated"`) {
		t.Fatalf("unexpected prefix: %q", line)
	}
	pathIdx := strings.Index(line, "path=")
	reasonIdx := strings.Index(line, "reason=")
	if pathIdx < 0 || reasonIdx < 0 || pathIdx > reasonIdx {
		t.Fatalf("expected sorted context keys, got %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		want  Level
		ok    bool
	}{
		{"debug", LevelDebug, true},
		{"INFO", LevelInfo, true},
		{" warn ", LevelWarning, true},
		{"warning", LevelWarning, true},
		{"error", LevelError, true},
		{"", "", false},
		{"verbose", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseLevel(tc.input)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseLevel(%q) = %q, %v; want %q, %v", tc.input, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info("ignored", nil)
	if logger.Enabled(LevelError) {
		t.Fatal("nil logger should report disabled")
	}
	if logger.Buffer() != nil {
		t.Fatal("nil logger should have nil buffer")
	}
}
