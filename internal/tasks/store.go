// Package tasks runs a flat list of dependent tasks through agents.
//
// Tasks live in a single JSON document that is rewritten whole on every
// status change. Each pass walks the tasks in dependency order, hands ready
// tasks to a routed agent, then checks the result with the shell commands
// listed under the task's "### Verification" heading. Every attempt is
// appended to a JSONL audit log.
package tasks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/workspace"
)

type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

func (s *Store) lockPath() string {
	return filepath.Join(filepath.Dir(s.path), "."+filepath.Base(s.path)+".lock")
}

// Load reads the task file. A missing file is an empty task list.
func (s *Store) Load() ([]models.TaskItem, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var file models.TaskFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", s.path, err)
	}
	return file.Tasks, nil
}

// Save replaces the task file atomically.
func (s *Store) Save(tasks []models.TaskItem) error {
	if tasks == nil {
		tasks = []models.TaskItem{}
	}
	data, err := json.MarshalIndent(models.TaskFile{Tasks: tasks}, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return workspace.WithLock(s.lockPath(), func() error {
		return workspace.WriteFileAtomic(s.path, data)
	})
}
