package monitor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const headerRule = "================================================================"

// LogWriter appends an agent's output to its log file. It holds an advisory
// exclusive lock while open so concurrent writers of the same agent are
// detected; failing to get the lock is not an error.
type LogWriter struct {
	mu     sync.Mutex
	file   *os.File
	locked bool
}

type LogHeader struct {
	AgentID   int64
	Name      string
	StartTime time.Time
	Prompt    string
	// Verbose writes the full prompt instead of its first line.
	Verbose bool
}

// OpenLog opens path for appending and writes the header block.
func OpenLog(path string, h LogHeader) (*LogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent log: %w", err)
	}

	w := &LogWriter{file: f}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
		w.locked = true
	}

	if _, err := io.WriteString(f, formatHeader(h)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write log header: %w", err)
	}
	return w, nil
}

func formatHeader(h LogHeader) string {
	prompt := h.Prompt
	if !h.Verbose {
		prompt, _, _ = strings.Cut(prompt, "\n")
	}

	var b strings.Builder
	b.WriteString(headerRule + "\n")
	fmt.Fprintf(&b, "Agent:   %s (#%d)\n", h.Name, h.AgentID)
	fmt.Fprintf(&b, "Started: %s\n", h.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "Prompt:  %s\n", prompt)
	b.WriteString(headerRule + "\n\n")
	return b.String()
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}
	return w.file.Write(p)
}

// Close releases the lock before closing the file.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if w.locked {
		syscall.Flock(int(w.file.Fd()), syscall.LOCK_UN)
		w.locked = false
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReadLog returns the contents of an agent log, or at most the last tail
// lines when tail > 0.
func ReadLog(path string, tail int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if tail <= 0 {
		return string(data), nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n") + "\n", nil
}
