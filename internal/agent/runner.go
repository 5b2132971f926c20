// Package agent runs a single agent invocation end to end: engine
// selection, monitor registration, log streaming and the terminal status
// update.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/mpataki/foreman/internal/engine"
	"github.com/mpataki/foreman/internal/logging"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/monitor"
)

const DefaultTimeout = 10 * time.Minute

// ParentEnvVar carries the monitor id of a running agent into its process,
// so agents that spawn sub-agents through the CLI link them as children.
const ParentEnvVar = "FOREMAN_AGENT_ID"

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeCancelled means the caller's context was cancelled while the
	// agent ran. It is not an error.
	OutcomeCancelled OutcomeStatus = "cancelled"
)

type Request struct {
	Name       string // monitor record name
	Prompt     string // final composite prompt
	ParentID   *int64
	Engine     string // override; empty = first authenticated
	Model      string
	WorkingDir string
	Env        map[string]string
}

type Outcome struct {
	AgentID   int64
	Status    OutcomeStatus
	Output    string
	Engine    string
	Telemetry models.Telemetry
}

// Cancelled reports whether the run ended because of cancellation.
func (o Outcome) Cancelled() bool {
	return o.Status == OutcomeCancelled
}

type Runner struct {
	monitor *monitor.Monitor
	engines *engine.Registry
	auth    *engine.AuthCache
	logger  *logging.Logger
	timeout time.Duration
	verbose bool
	workDir string
}

type Option func(*Runner)

func WithLogger(l *logging.Logger) Option      { return func(r *Runner) { r.logger = l } }
func WithTimeout(d time.Duration) Option       { return func(r *Runner) { r.timeout = d } }
func WithAuthCache(c *engine.AuthCache) Option { return func(r *Runner) { r.auth = c } }
func WithVerbosePrompts(verbose bool) Option   { return func(r *Runner) { r.verbose = verbose } }
func WithWorkingDir(dir string) Option         { return func(r *Runner) { r.workDir = dir } }

func NewRunner(mon *monitor.Monitor, engines *engine.Registry, opts ...Option) *Runner {
	r := &Runner{
		monitor: mon,
		engines: engines,
		auth:    engine.NewAuthCache(30 * time.Second),
		logger:  logging.NopLogger(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one agent. Cancellation of ctx yields a cancelled outcome
// and a nil error; every other failure is returned as an error after the
// monitor record is marked failed.
func (r *Runner) Run(ctx context.Context, req Request) (Outcome, error) {
	eng, err := r.engines.Select(ctx, req.Engine, r.auth)
	if err != nil {
		return Outcome{}, fmt.Errorf("agent %s: %w", req.Name, err)
	}

	id, err := r.monitor.Register(monitor.RegisterInput{
		Name:           req.Name,
		Engine:         eng.ID(),
		EngineProvider: eng.Name(),
		ModelName:      req.Model,
		Prompt:         req.Prompt,
		ParentID:       req.ParentID,
	})
	if err != nil {
		// Monitoring must not stop the agent; run untracked.
		r.logger.Error("failed to register agent", "agent", req.Name, "error", err.Error())
	}
	log := r.logger.WithAgent(id, req.Name)

	out := r.openLog(id, req)
	defer out.Close()

	workDir := req.WorkingDir
	if workDir == "" {
		workDir = r.workDir
	}

	log.Info("agent started", "engine", eng.ID(), "model", req.Model)
	res, runErr := eng.Run(ctx, engine.RunOptions{
		Prompt:      req.Prompt,
		WorkingDir:  workDir,
		Model:       req.Model,
		Env:         childEnv(req.Env, id),
		Timeout:     r.timeout,
		OnData:      func(chunk string) { io.WriteString(out, chunk) },
		OnErrorData: func(chunk string) { io.WriteString(out, chunk) },
		OnTelemetry: func(t models.Telemetry) {
			if id != 0 {
				r.monitor.UpdateTelemetry(id, t)
			}
		},
		OnStart: func(pid int) {
			if id != 0 {
				r.monitor.SetPID(id, pid)
			}
		},
	})

	outcome := Outcome{AgentID: id, Engine: eng.ID(), Status: OutcomeCompleted}
	if res != nil {
		outcome.Output = res.Stdout
		outcome.Telemetry = res.Telemetry
	}

	if runErr != nil {
		if ctx.Err() != nil && !errors.Is(runErr, engine.ErrTimeout) {
			log.Info("agent cancelled")
			r.fail(id, errors.New("cancelled"))
			outcome.Status = OutcomeCancelled
			return outcome, nil
		}
		log.Warn("agent failed", "error", runErr.Error())
		r.fail(id, runErr)
		return outcome, fmt.Errorf("agent %s: %w", req.Name, runErr)
	}

	if id != 0 {
		var t *models.Telemetry
		if outcome.Telemetry != (models.Telemetry{}) {
			t = &outcome.Telemetry
		}
		r.monitor.Complete(id, t)
	}
	log.Info("agent completed")
	return outcome, nil
}

func childEnv(env map[string]string, id int64) map[string]string {
	if id == 0 {
		return env
	}
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	out[ParentEnvVar] = strconv.FormatInt(id, 10)
	return out
}

func (r *Runner) fail(id int64, err error) {
	if id != 0 {
		r.monitor.Fail(id, err)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (r *Runner) openLog(id int64, req Request) io.WriteCloser {
	if id == 0 {
		return nopWriteCloser{io.Discard}
	}
	rec, err := r.monitor.GetAgent(id)
	if err != nil || rec.LogPath == "" {
		return nopWriteCloser{io.Discard}
	}

	w, err := monitor.OpenLog(rec.LogPath, monitor.LogHeader{
		AgentID:   id,
		Name:      req.Name,
		StartTime: rec.StartTime,
		Prompt:    req.Prompt,
		Verbose:   r.verbose,
	})
	if err != nil {
		r.logger.Warn("failed to open agent log", "agent_id", id, "error", err.Error())
		return nopWriteCloser{io.Discard}
	}
	return w
}
