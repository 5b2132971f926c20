// Package logging provides structured JSON logging for foreman runs.
//
// Logger wraps log/slog. Child loggers created with With, WithRun, WithAgent
// and WithStep carry their attributes on every entry and share the
// underlying file handle.
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
)

const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// FileName is the log file created inside the data directory.
const FileName = "foreman.log"

// Logger is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	closer *fileCloser
	attrs  []any
}

type fileCloser struct {
	mu   sync.Mutex
	file *os.File
}

// NewLogger writes JSON lines to {dir}/foreman.log, or to stderr when dir is
// empty. Unknown levels fall back to INFO.
func NewLogger(dir string, level string) (*Logger, error) {
	var w io.Writer = os.Stderr
	fc := &fileCloser{}

	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		fc.file = f
		w = f
	}

	return newWithWriter(w, level, fc), nil
}

// NewWriterLogger logs to an arbitrary writer. Used by tests that inspect
// log output.
func NewWriterLogger(w io.Writer, level string) *Logger {
	return newWithWriter(w, level, &fileCloser{})
}

func newWithWriter(w io.Writer, level string, fc *fileCloser) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{logger: slog.New(handler), closer: fc}
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return newWithWriter(io.Discard, LevelError, &fileCloser{})
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
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

// ParseLevel normalizes a user-supplied level string.
func ParseLevel(level string) string {
	switch strings.ToUpper(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return strings.ToUpper(level)
	default:
		return LevelInfo
	}
}

// With returns a child logger with extra key/value attributes.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	attrs := make([]any, 0, len(l.attrs)+len(args))
	attrs = append(attrs, l.attrs...)
	attrs = append(attrs, args...)
	return &Logger{logger: l.logger, closer: l.closer, attrs: attrs}
}

// WithRun tags entries with a workflow or coordination run id.
func (l *Logger) WithRun(runID string) *Logger {
	return l.With("run_id", runID)
}

// WithAgent tags entries with a monitor agent id and its name.
func (l *Logger) WithAgent(id int64, name string) *Logger {
	return l.With("agent_id", id, "agent", name)
}

// WithStep tags entries with a workflow step index.
func (l *Logger) WithStep(index int) *Logger {
	return l.With("step", index)
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	all := make([]any, 0, len(l.attrs)+len(args))
	all = append(all, l.attrs...)
	all = append(all, args...)
	l.logger.Log(context.Background(), level, msg, all...)
}

// Close syncs and closes the log file. Closing a stderr logger is a no-op.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.closer.mu.Lock()
	defer l.closer.mu.Unlock()

	if l.closer.file == nil {
		return nil
	}
	if err := l.closer.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	err := l.closer.file.Close()
	l.closer.file = nil
	return err
}
