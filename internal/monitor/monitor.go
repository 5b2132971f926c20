// Package monitor is the durable registry of agent processes.
//
// A Monitor wraps the SQLite store with the lifecycle rules agents follow:
// ids are allocated once, running records move to completed or failed
// exactly once, and running records whose process has disappeared are
// reported as failed on read (liveness correction) while the correction is
// persisted in the background.
//
// Mutations never return errors to callers. Monitoring problems are logged
// and swallowed so that an agent run is never aborted by bookkeeping.
package monitor

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/mpataki/foreman/internal/logging"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

// TerminatedUnexpectedly is the synthetic error stored by liveness correction.
const TerminatedUnexpectedly = "Process terminated unexpectedly"

type Monitor struct {
	store   *storage.Storage
	logDir  string
	checker ProcessChecker
	logger  *logging.Logger
	now     func() time.Time

	locks   sync.Map // int64 -> *sync.Mutex
	pending sync.WaitGroup
}

type Option func(*Monitor)

func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func WithProcessChecker(c ProcessChecker) Option {
	return func(m *Monitor) { m.checker = c }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(store *storage.Storage, logDir string, opts ...Option) *Monitor {
	m := &Monitor{
		store:   store,
		logDir:  logDir,
		checker: SystemProcessChecker{},
		logger:  logging.NopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type RegisterInput struct {
	Name           string
	Engine         string
	EngineProvider string
	ModelName      string
	Prompt         string
	ParentID       *int64
	PID            *int
	LogPath        string // empty = <logDir>/agent-<id>-<name>.log
}

// Register persists a running record and returns its id.
func (m *Monitor) Register(in RegisterInput) (int64, error) {
	rec := &models.AgentRecord{
		Name:           in.Name,
		Engine:         in.Engine,
		EngineProvider: in.EngineProvider,
		ModelName:      in.ModelName,
		Status:         models.AgentStatusRunning,
		ParentID:       in.ParentID,
		PID:            in.PID,
		StartTime:      m.now(),
		Prompt:         in.Prompt,
		LogPath:        in.LogPath,
	}

	id, err := m.store.CreateAgent(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to register agent %q: %w", in.Name, err)
	}

	if in.LogPath == "" {
		if err := m.store.UpdateLogPath(id, m.defaultLogPath(id, in.Name)); err != nil {
			m.logger.Warn("failed to set log path", "agent_id", id, "error", err.Error())
		}
	}

	m.logger.Debug("agent registered", "agent_id", id, "agent", in.Name)
	return id, nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func (m *Monitor) defaultLogPath(id int64, name string) string {
	safe := unsafeNameChars.ReplaceAllString(name, "_")
	return filepath.Join(m.logDir, fmt.Sprintf("agent-%d-%s.log", id, safe))
}

func (m *Monitor) lock(id int64) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Monitor) SetPID(id int64, pid int) {
	unlock := m.lock(id)
	defer unlock()

	if err := m.store.UpdateAgentPID(id, pid); err != nil {
		m.logger.Warn("failed to record pid", "agent_id", id, "pid", pid, "error", err.Error())
	}
}

func (m *Monitor) UpdateTelemetry(id int64, t models.Telemetry) {
	unlock := m.lock(id)
	defer unlock()

	if err := m.store.UpdateTelemetry(id, &t); err != nil {
		m.logger.Warn("failed to record telemetry", "agent_id", id, "error", err.Error())
	}
}

// Complete marks a running agent completed. Telemetry is only overwritten
// when t is non-nil.
func (m *Monitor) Complete(id int64, t *models.Telemetry) {
	m.finish(id, models.AgentStatusCompleted, t, "")
}

// Fail marks a running agent failed, keeping any recorded telemetry.
func (m *Monitor) Fail(id int64, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	m.finish(id, models.AgentStatusFailed, nil, msg)
}

func (m *Monitor) finish(id int64, status models.AgentStatus, t *models.Telemetry, errMsg string) {
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.GetAgent(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("cannot finish unknown agent", "agent_id", id, "status", string(status))
		} else {
			m.logger.Error("failed to load agent", "agent_id", id, "error", err.Error())
		}
		return
	}

	if rec.Status.Terminal() {
		m.logger.Debug("agent already finished", "agent_id", id, "status", string(rec.Status))
		return
	}

	end := m.now()
	if _, err := m.store.Finish(id, status, end, end.Sub(rec.StartTime), t, errMsg); err != nil {
		m.logger.Error("failed to finish agent", "agent_id", id, "status", string(status), "error", err.Error())
		return
	}

	m.logger.Debug("agent finished", "agent_id", id, "status", string(status))
}

// GetAgent returns the record with liveness correction applied and its
// children ids filled in.
func (m *Monitor) GetAgent(id int64) (*models.AgentRecord, error) {
	rec, err := m.store.GetAgent(id)
	if err != nil {
		return nil, err
	}

	children, err := m.store.ListAgents(storage.AgentFilter{ParentID: &id})
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		rec.Children = append(rec.Children, c.ID)
	}

	return m.correct(rec), nil
}

// GetAllAgents returns every record ordered by id.
func (m *Monitor) GetAllAgents() ([]*models.AgentRecord, error) {
	return m.list(storage.AgentFilter{})
}

func (m *Monitor) list(filter storage.AgentFilter) ([]*models.AgentRecord, error) {
	agents, err := m.store.ListAgents(filter)
	if err != nil {
		return nil, err
	}

	// Children are derived from parent links across the full set.
	all := agents
	if !filter.IsZero() {
		if all, err = m.store.ListAgents(storage.AgentFilter{}); err != nil {
			return nil, err
		}
	}
	children := make(map[int64][]int64)
	for _, a := range all {
		if a.ParentID != nil {
			children[*a.ParentID] = append(children[*a.ParentID], a.ID)
		}
	}

	out := make([]*models.AgentRecord, 0, len(agents))
	for _, a := range agents {
		a.Children = children[a.ID]
		out = append(out, m.correct(a))
	}
	return out, nil
}

// Query filters agents. Every set field must match.
type Query struct {
	Statuses []models.AgentStatus
	ParentID *int64
	// Name matches exactly, or as a glob when it contains *, ?, [ or {.
	Name string
}

func (m *Monitor) QueryAgents(q Query) ([]*models.AgentRecord, error) {
	filter := storage.AgentFilter{ParentID: q.ParentID}

	var pattern glob.Glob
	if q.Name != "" {
		if isGlob(q.Name) {
			g, err := glob.Compile(q.Name)
			if err != nil {
				return nil, fmt.Errorf("invalid name pattern %q: %w", q.Name, err)
			}
			pattern = g
		} else {
			filter.Name = q.Name
		}
	}

	agents, err := m.list(filter)
	if err != nil {
		return nil, err
	}

	// Status filtering happens after liveness correction so dead "running"
	// agents show up as failed.
	var out []*models.AgentRecord
	for _, a := range agents {
		if pattern != nil && !pattern.Match(a.Name) {
			continue
		}
		if len(q.Statuses) > 0 && !hasStatus(q.Statuses, a.Status) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func isGlob(s string) bool {
	for _, r := range s {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

func hasStatus(set []models.AgentStatus, s models.AgentStatus) bool {
	for _, st := range set {
		if st == s {
			return true
		}
	}
	return false
}

// correct applies liveness correction. The returned record is the corrected
// view; the write happens asynchronously.
func (m *Monitor) correct(rec *models.AgentRecord) *models.AgentRecord {
	if rec.Status != models.AgentStatusRunning || rec.PID == nil {
		return rec
	}
	if m.checker.IsProcessAlive(*rec.PID) {
		return rec
	}

	end := m.now()
	duration := end.Sub(rec.StartTime)

	corrected := rec.Clone()
	corrected.Status = models.AgentStatusFailed
	corrected.Error = TerminatedUnexpectedly
	corrected.EndTime = &end
	corrected.Duration = &duration

	id := rec.ID
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		unlock := m.lock(id)
		defer unlock()

		if _, err := m.store.Finish(id, models.AgentStatusFailed, end, duration, nil, TerminatedUnexpectedly); err != nil {
			m.logger.Warn("failed to persist liveness correction", "agent_id", id, "error", err.Error())
			return
		}
		m.logger.Info("agent process gone, marked failed", "agent_id", id)
	}()

	return corrected
}

// Flush waits for pending liveness corrections to be written.
func (m *Monitor) Flush() {
	m.pending.Wait()
}

// Kill terminates the agent's process group and marks it failed.
func (m *Monitor) Kill(id int64) error {
	rec, err := m.store.GetAgent(id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("agent %d is already %s", id, rec.Status)
	}

	if rec.PID != nil {
		if err := KillProcessGroup(*rec.PID); err != nil {
			m.logger.Warn("failed to kill agent process", "agent_id", id, "pid", *rec.PID, "error", err.Error())
		}
	}

	m.Fail(id, errors.New("killed by user"))
	return nil
}
