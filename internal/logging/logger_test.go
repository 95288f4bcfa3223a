package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantLvl zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"WARNING", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"unknown", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.wantLvl {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.wantLvl)
			}
		})
	}
}

func TestNewStdout(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, closer, err := New(Config{Level: "debug", Format: format})
		if err != nil {
			t.Fatalf("New(%s) returned error: %v", format, err)
		}
		if l == nil {
			t.Fatalf("New(%s) returned nil logger", format)
		}
		if closer != nil {
			t.Errorf("stdout logger should not return a closer")
		}
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	l, closer, err := New(Config{Level: "info", Output: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if closer == nil {
		t.Fatal("file logger should return a closer")
	}

	l.Info("written to file", zap.String("route", "GET /api"))
	l.Sync()
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing entry, got %q", data)
	}
	if !strings.Contains(string(data), `"timestamp"`) {
		t.Errorf("expected timestamp key in JSON output, got %q", data)
	}
}

func TestGlobalSetGlobal(t *testing.T) {
	original := Global()
	if original == nil {
		t.Fatal("Global() returned nil before SetGlobal")
	}

	core, obs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	Info("test message", zap.String("key", "value"))

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Message != "test message" {
		t.Errorf("expected message %q, got %q", "test message", entries[0].Message)
	}
}

func TestLevelFiltering(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.WarnLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	Debug("should not appear")
	Info("should not appear")
	Warn("should appear")
	Error("should appear")

	if n := len(obs.All()); n != 2 {
		t.Fatalf("expected 2 entries at warn level, got %d", n)
	}
}

func TestWith(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	With(zap.String("component", "dispatcher")).Info("child message")

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["component"] != "dispatcher" {
		t.Errorf("expected component field, got %v", entries[0].ContextMap())
	}
}
