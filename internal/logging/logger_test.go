package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	t.Run("creates log file in directory", func(t *testing.T) {
		dir := t.TempDir()
		logger, err := NewLogger(dir, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		logger.Info("hello")
		if err := logger.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		data, err := os.ReadFile(filepath.Join(dir, FileName))
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}
		if !strings.Contains(string(data), `"msg":"hello"`) {
			t.Errorf("log file missing entry: %s", data)
		}
	})

	t.Run("close is idempotent for stderr logger", func(t *testing.T) {
		logger, err := NewLogger("", LevelInfo)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		if err := logger.Close(); err != nil {
			t.Errorf("Close returned %v", err)
		}
	})
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
}

func TestChildLoggerAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo).WithRun("run-1").WithAgent(7, "coder").WithStep(2)

	logger.Info("step started", "extra", "x")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	want := map[string]any{
		"run_id":   "run-1",
		"agent_id": float64(7),
		"agent":    "coder",
		"step":     float64(2),
		"extra":    "x",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("entry[%q] = %v, want %v", k, entry[k], v)
		}
	}
}

func TestParentUnaffectedByChild(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWriterLogger(&buf, LevelInfo)
	_ = parent.With("child", true)

	parent.Info("parent")
	if strings.Contains(buf.String(), "child") {
		t.Errorf("parent logger picked up child attrs: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug": LevelDebug,
		"WARN":  LevelWarn,
		"bogus": LevelInfo,
		"":      LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNopLoggerNilSafe(t *testing.T) {
	var l *Logger
	l.Info("ignored")
	NopLogger().Error("ignored")
}
