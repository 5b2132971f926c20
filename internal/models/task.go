package models

import "time"

type TaskItem struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Phase              string   `json:"phase"`
	Details            string   `json:"details,omitempty"`
	AcceptanceCriteria string   `json:"acceptanceCriteria,omitempty"`
	Done               bool     `json:"done,omitempty"`
	DependsOn          []string `json:"dependsOn,omitempty"`
}

type TaskFile struct {
	Tasks []TaskItem `json:"tasks"`
}

type TaskOutcome string

const (
	TaskOutcomeDone    TaskOutcome = "done"
	TaskOutcomeRetry   TaskOutcome = "retry"
	TaskOutcomeFailed  TaskOutcome = "failed"
	TaskOutcomeSkipped TaskOutcome = "skipped"
)

// AuditEntry is one line of the append-only task audit log.
type AuditEntry struct {
	Timestamp  time.Time   `json:"timestamp"`
	TaskID     string      `json:"taskId"`
	TaskName   string      `json:"taskName"`
	Phase      string      `json:"phase"`
	Agent      string      `json:"agent"`
	DurationMs int64       `json:"durationMs"`
	Outcome    TaskOutcome `json:"outcome"`
	Message    string      `json:"message,omitempty"`
}
