package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ResumeState is the persisted form of a workflow's progress.
type ResumeState struct {
	TemplatePath string    `json:"template_path"`
	RunID        string    `json:"run_id"`
	Completed    []int     `json:"completed"`
	NotCompleted []int     `json:"not_completed"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ResumeStore tracks which one-shot steps finished and which steps started
// without finishing. Every change is written through to disk.
type ResumeStore struct {
	path     string
	lockPath string

	mu           sync.Mutex
	state        ResumeState
	completed    map[int]bool
	notCompleted map[int]bool
	// interrupted is the not-completed set as loaded, minus steps that have
	// since finished in this run.
	interrupted map[int]bool
}

// OpenResume loads the resume markers for templatePath. Markers recorded
// for a different template are discarded.
func (w *Workspace) OpenResume(templatePath, runID string) (*ResumeStore, error) {
	abs, err := filepath.Abs(templatePath)
	if err != nil {
		abs = templatePath
	}

	s := &ResumeStore{
		path:         w.ResumePath(),
		lockPath:     filepath.Join(w.StateDir, lockFile),
		completed:    make(map[int]bool),
		notCompleted: make(map[int]bool),
		interrupted:  make(map[int]bool),
	}

	err = WithLock(s.lockPath, func() error {
		data, err := os.ReadFile(s.path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		var prev ResumeState
		if err := json.Unmarshal(data, &prev); err != nil {
			// A corrupt marker file only costs us resume information.
			return nil
		}
		if prev.TemplatePath != abs {
			return nil
		}
		for _, i := range prev.Completed {
			s.completed[i] = true
		}
		for _, i := range prev.NotCompleted {
			s.notCompleted[i] = true
			s.interrupted[i] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load resume state: %w", err)
	}

	s.state = ResumeState{TemplatePath: abs, RunID: runID}
	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ResumeStore) IsCompleted(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[index]
}

// WasInterrupted reports whether a previous run started the step without
// finishing it.
func (s *ResumeStore) WasInterrupted(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted[index]
}

func (s *ResumeStore) MarkStarted(index int) error {
	s.mu.Lock()
	s.notCompleted[index] = true
	s.mu.Unlock()
	return s.save()
}

// MarkFinished clears the started marker and, for one-shot steps, records
// completion.
func (s *ResumeStore) MarkFinished(index int, once bool) error {
	s.mu.Lock()
	delete(s.notCompleted, index)
	delete(s.interrupted, index)
	if once {
		s.completed[index] = true
	}
	s.mu.Unlock()
	return s.save()
}

// MarkAborted clears the started marker of a step that was deliberately
// skipped, so the next run does not treat it as interrupted.
func (s *ResumeStore) MarkAborted(index int) error {
	s.mu.Lock()
	delete(s.notCompleted, index)
	delete(s.interrupted, index)
	s.mu.Unlock()
	return s.save()
}

// Reset forgets all markers.
func (s *ResumeStore) Reset() error {
	s.mu.Lock()
	s.completed = make(map[int]bool)
	s.notCompleted = make(map[int]bool)
	s.interrupted = make(map[int]bool)
	s.mu.Unlock()
	return s.save()
}

// State returns a snapshot of what is on disk.
func (s *ResumeStore) State() ResumeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Completed = sortedKeys(s.completed)
	st.NotCompleted = sortedKeys(s.notCompleted)
	return st
}

func (s *ResumeStore) save() error {
	s.mu.Lock()
	s.state.Completed = sortedKeys(s.completed)
	s.state.NotCompleted = sortedKeys(s.notCompleted)
	s.state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal resume state: %w", err)
	}

	return WithLock(s.lockPath, func() error {
		return WriteFileAtomic(s.path, data)
	})
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
