// Package workspace manages the on-disk state directory of a foreman
// project: workflow resume markers and the signal files used to steer a
// running workflow from another terminal.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

type Workspace struct {
	StateDir string
}

type Signal string

const (
	SignalContinue Signal = "continue"
	SignalQuit     Signal = "quit"
	SignalSkip     Signal = "skip"
)

const (
	checkpointFile = "checkpoint"
	skipFile       = "skip"
	resumeFile     = "resume.json"
	lockFile       = "resume.lock"
)

// Open creates the state directory layout if needed.
func Open(stateDir string) (*Workspace, error) {
	w := &Workspace{StateDir: stateDir}
	if err := os.MkdirAll(w.SignalsDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return w, nil
}

func (w *Workspace) SignalsDir() string {
	return filepath.Join(w.StateDir, "signals")
}

func (w *Workspace) ResumePath() string {
	return filepath.Join(w.StateDir, resumeFile)
}

// ParseSignal accepts continue, quit or skip.
func ParseSignal(s string) (Signal, error) {
	switch sig := Signal(strings.ToLower(strings.TrimSpace(s))); sig {
	case SignalContinue, SignalQuit, SignalSkip:
		return sig, nil
	default:
		return "", fmt.Errorf("unknown signal %q (want continue, quit or skip)", s)
	}
}

// WriteSignal drops a signal file for a running workflow to pick up.
// continue and quit resolve a pending checkpoint; skip aborts the current
// step.
func (w *Workspace) WriteSignal(sig Signal) error {
	name := checkpointFile
	if sig == SignalSkip {
		name = skipFile
	}
	return WriteFileAtomic(filepath.Join(w.SignalsDir(), name), []byte(string(sig)+"\n"))
}

// ClearSignals removes signal files left over from earlier runs.
func (w *Workspace) ClearSignals() error {
	for _, name := range []string{checkpointFile, skipFile} {
		if err := os.Remove(filepath.Join(w.SignalsDir(), name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// WriteFileAtomic writes data to a hidden temp file in the same directory,
// syncs it and renames it over path, so readers never see a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// WithLock runs fn while holding an exclusive flock on path.
func WithLock(path string, fn func() error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %w", path, err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	return fn()
}
