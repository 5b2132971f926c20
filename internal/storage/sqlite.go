package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/foreman/internal/models"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("agent not found")

type Storage struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath. Use ":memory:" for an
// isolated in-process store.
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	// AUTOINCREMENT keeps ids monotonic even after rows are deleted.
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		engine TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		parent_id INTEGER,
		pid INTEGER,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		duration_ms INTEGER,
		prompt TEXT NOT NULL DEFAULT '',
		log_path TEXT NOT NULL DEFAULT '',
		telemetry TEXT,
		error TEXT,
		engine_provider TEXT,
		model_name TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_id);
	CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(name);
	`

	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		return err
	}
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Migration: columns added after the first release
	s.db.Exec(`ALTER TABLE agents ADD COLUMN engine_provider TEXT`)
	s.db.Exec(`ALTER TABLE agents ADD COLUMN model_name TEXT`)

	return nil
}

const agentColumns = `id, name, engine, status, parent_id, pid, start_time, end_time, duration_ms,
	prompt, log_path, telemetry, error, engine_provider, model_name`

func (s *Storage) CreateAgent(rec *models.AgentRecord) (int64, error) {
	telemetryJSON, err := encodeTelemetry(rec.Telemetry)
	if err != nil {
		return 0, err
	}

	status := rec.Status
	if status == "" {
		status = models.AgentStatusRunning
	}

	result, err := s.db.Exec(
		`INSERT INTO agents (name, engine, status, parent_id, pid, start_time, prompt, log_path, telemetry, engine_provider, model_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Name, rec.Engine, status, rec.ParentID, rec.PID, rec.StartTime.UTC(),
		rec.Prompt, rec.LogPath, telemetryJSON, rec.EngineProvider, rec.ModelName,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) GetAgent(id int64) (*models.AgentRecord, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// AgentFilter narrows ListAgents. Zero-valued fields are ignored; all set
// fields are ANDed.
type AgentFilter struct {
	Statuses []models.AgentStatus
	ParentID *int64
	RootOnly bool
	Name     string
}

func (f AgentFilter) IsZero() bool {
	return len(f.Statuses) == 0 && f.ParentID == nil && !f.RootOnly && f.Name == ""
}

func (s *Storage) ListAgents(filter AgentFilter) ([]*models.AgentRecord, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.ParentID != nil {
		where = append(where, "parent_id = ?")
		args = append(args, *filter.ParentID)
	}
	if filter.RootOnly {
		where = append(where, "parent_id IS NULL")
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT ` + agentColumns + ` FROM agents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*models.AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, rec)
	}

	return agents, rows.Err()
}

func (s *Storage) UpdateAgentPID(id int64, pid int) error {
	_, err := s.db.Exec(`UPDATE agents SET pid = ? WHERE id = ?`, pid, id)
	return err
}

func (s *Storage) UpdateLogPath(id int64, path string) error {
	_, err := s.db.Exec(`UPDATE agents SET log_path = ? WHERE id = ?`, path, id)
	return err
}

func (s *Storage) UpdateTelemetry(id int64, t *models.Telemetry) error {
	telemetryJSON, err := encodeTelemetry(t)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE agents SET telemetry = ? WHERE id = ?`, telemetryJSON, id)
	return err
}

// Finish moves a running agent to a terminal status. It reports false when
// the record was already terminal (or missing), so end_time is written once.
// A nil telemetry keeps whatever was stored before.
func (s *Storage) Finish(id int64, status models.AgentStatus, endTime time.Time, duration time.Duration, t *models.Telemetry, errMsg string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	telemetryJSON, err := encodeTelemetry(t)
	if err != nil {
		return false, err
	}

	var errValue *string
	if errMsg != "" {
		errValue = &errMsg
	}

	result, err := s.db.Exec(
		`UPDATE agents SET status = ?, end_time = ?, duration_ms = ?,
		 telemetry = COALESCE(?, telemetry), error = COALESCE(?, error)
		 WHERE id = ? AND status = ?`,
		status, endTime.UTC(), duration.Milliseconds(), telemetryJSON, errValue,
		id, models.AgentStatusRunning,
	)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Storage) DeleteAgents(ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var deleted int64
	for _, id := range ids {
		result, err := tx.Exec(`DELETE FROM agents WHERE id = ?`, id)
		if err != nil {
			return 0, err
		}
		n, _ := result.RowsAffected()
		deleted += n
	}

	return deleted, tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*models.AgentRecord, error) {
	var rec models.AgentRecord
	var engine, telemetryJSON, errMsg, provider, model sql.NullString
	var parentID, pid, durationMs sql.NullInt64
	var endTime sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.Name, &engine, &rec.Status, &parentID, &pid, &rec.StartTime,
		&endTime, &durationMs, &rec.Prompt, &rec.LogPath, &telemetryJSON, &errMsg,
		&provider, &model,
	)
	if err != nil {
		return nil, err
	}

	rec.Engine = engine.String
	rec.Error = errMsg.String
	rec.EngineProvider = provider.String
	rec.ModelName = model.String

	if parentID.Valid {
		p := parentID.Int64
		rec.ParentID = &p
	}
	if pid.Valid {
		p := int(pid.Int64)
		rec.PID = &p
	}
	if endTime.Valid {
		e := endTime.Time
		rec.EndTime = &e
	}
	if durationMs.Valid {
		d := time.Duration(durationMs.Int64) * time.Millisecond
		rec.Duration = &d
	}
	if telemetryJSON.Valid {
		var t models.Telemetry
		if err := json.Unmarshal([]byte(telemetryJSON.String), &t); err == nil {
			rec.Telemetry = &t
		}
	}

	return &rec, nil
}

func encodeTelemetry(t *models.Telemetry) (*string, error) {
	if t == nil {
		return nil, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

// FormatTimeAgo renders a compact relative age for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
