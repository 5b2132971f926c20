package models

import "time"

type AgentStatus string

const (
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s AgentStatus) Terminal() bool {
	return s == AgentStatusCompleted || s == AgentStatusFailed
}

func (s AgentStatus) Valid() bool {
	return s == AgentStatusRunning || s.Terminal()
}

type Telemetry struct {
	TokensIn     int64   `json:"tokens_in,omitempty"`
	TokensOut    int64   `json:"tokens_out,omitempty"`
	CachedTokens int64   `json:"cached_tokens,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
}

// Merge adds the counters of other into t.
func (t *Telemetry) Merge(other Telemetry) {
	t.TokensIn += other.TokensIn
	t.TokensOut += other.TokensOut
	t.CachedTokens += other.CachedTokens
	t.Cost += other.Cost
}

type AgentRecord struct {
	ID             int64
	Name           string
	Engine         string
	Status         AgentStatus
	ParentID       *int64
	PID            *int
	StartTime      time.Time
	EndTime        *time.Time
	Duration       *time.Duration
	Prompt         string
	LogPath        string
	Telemetry      *Telemetry
	Children       []int64 // derived from ParentID links, never stored
	Error          string
	EngineProvider string
	ModelName      string
}

// Clone returns a deep copy so callers can't mutate cached state.
func (r *AgentRecord) Clone() *AgentRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ParentID != nil {
		p := *r.ParentID
		c.ParentID = &p
	}
	if r.PID != nil {
		p := *r.PID
		c.PID = &p
	}
	if r.EndTime != nil {
		e := *r.EndTime
		c.EndTime = &e
	}
	if r.Duration != nil {
		d := *r.Duration
		c.Duration = &d
	}
	if r.Telemetry != nil {
		t := *r.Telemetry
		c.Telemetry = &t
	}
	c.Children = append([]int64(nil), r.Children...)
	return &c
}

// AgentDefinition is a catalog entry: an agent id bound to its prompt
// template and preferred engine/model.
type AgentDefinition struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	PromptPath string `yaml:"prompt_path"`
	Engine     string `yaml:"engine,omitempty"`
	Model      string `yaml:"model,omitempty"`
}

// DisplayName falls back to the id when no name is set.
func (d AgentDefinition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}
