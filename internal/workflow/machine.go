// Package workflow drives a workflow template step by step.
//
// The Machine walks the step list with an explicit index. Loop behaviors
// rewind that index, so the same step can run several times in one run.
// Progress markers are written to a Resume store before and after each
// step, which lets an interrupted run resume: one-shot steps that finished
// are skipped and a step that started but never finished runs its fallback
// agent first.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/behavior"
	"github.com/mpataki/foreman/internal/logging"
	"github.com/mpataki/foreman/internal/lua"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/monitor"
	"github.com/mpataki/foreman/internal/spec"
)

// ErrStopped is reported when a checkpoint was answered with quit.
var ErrStopped = errors.New("workflow stopped")

// StepError is returned when a step fails. The step is left running so
// the failure is visible on resume.
type StepError struct {
	Index     int
	AgentName string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.AgentName, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// AgentInvoker runs one agent. *agent.Runner satisfies it.
type AgentInvoker interface {
	Run(ctx context.Context, req agent.Request) (agent.Outcome, error)
}

// Resume persists step progress across runs. *workspace.ResumeStore
// satisfies it.
type Resume interface {
	IsCompleted(index int) bool
	WasInterrupted(index int) bool
	MarkStarted(index int) error
	MarkFinished(index int, once bool) error
	MarkAborted(index int) error
}

type StepState struct {
	Index      int
	Step       models.WorkflowStep
	Status     models.StepStatus
	Output     string
	AgentIDs   []int64
	Telemetry  models.Telemetry
	Iterations int
	SkipReason string
	Error      string
}

// ActiveLoop is armed while a loop is repeating. Steps whose agent is in
// Skip are passed over until the loop step finishes without repeating.
type ActiveLoop struct {
	StepIndex int
	Skip      []string
}

type RunResult struct {
	RunID  string
	Status models.WorkflowStatus
	Steps  []StepState
}

// Err returns ErrStopped for a stopped run and nil otherwise.
func (r *RunResult) Err() error {
	if r.Status == models.WorkflowStopped {
		return ErrStopped
	}
	return nil
}

type Machine struct {
	tpl         *models.WorkflowTemplate
	invoker     AgentInvoker
	catalog     *spec.Catalog
	templates   *agent.Templates
	resume      Resume
	checkpoints CheckpointWaiter
	conditions  *behavior.Conditions
	monitor     *monitor.Monitor
	skips       <-chan struct{}
	observer    func(StepState)
	logger      *logging.Logger
	runID       string
	request     string

	steps      []*StepState
	iterations map[int]int
	activeLoop *ActiveLoop

	mu         sync.Mutex
	cancelStep context.CancelFunc
}

type Option func(*Machine)

func WithLogger(l *logging.Logger) Option          { return func(m *Machine) { m.logger = l } }
func WithCheckpoints(w CheckpointWaiter) Option    { return func(m *Machine) { m.checkpoints = w } }
func WithConditions(c *behavior.Conditions) Option { return func(m *Machine) { m.conditions = c } }
func WithRunID(id string) Option                   { return func(m *Machine) { m.runID = id } }
func WithObserver(fn func(StepState)) Option       { return func(m *Machine) { m.observer = fn } }

// WithMonitor lets loop rewinds clear sub-agents spawned by reset steps.
func WithMonitor(mon *monitor.Monitor) Option { return func(m *Machine) { m.monitor = mon } }

// WithSkipSignals aborts the in-flight step whenever a value arrives.
func WithSkipSignals(ch <-chan struct{}) Option { return func(m *Machine) { m.skips = ch } }

// WithRequest appends the user's task to every step prompt.
func WithRequest(request string) Option { return func(m *Machine) { m.request = request } }

func New(tpl *models.WorkflowTemplate, invoker AgentInvoker, catalog *spec.Catalog, templates *agent.Templates, resume Resume, opts ...Option) *Machine {
	m := &Machine{
		tpl:         tpl,
		invoker:     invoker,
		catalog:     catalog,
		templates:   templates,
		resume:      resume,
		checkpoints: AutoContinue{},
		logger:      logging.NopLogger(),
		iterations:  make(map[int]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.conditions == nil {
		m.conditions = behavior.NewConditions(lua.NewRuntime(m.logger))
	}
	if m.runID == "" {
		m.runID = uuid.NewString()
	}
	m.logger = m.logger.WithRun(m.runID)
	return m
}

func (m *Machine) RunID() string { return m.runID }

// ActiveLoop returns the armed loop, or nil.
func (m *Machine) ActiveLoop() *ActiveLoop { return m.activeLoop }

// Run executes the workflow. It returns a StepError when a step fails and
// a result with status stopped when a checkpoint is answered with quit.
// Cancelling ctx stops the run before the next step with ctx's error.
func (m *Machine) Run(ctx context.Context) (*RunResult, error) {
	m.steps = make([]*StepState, len(m.tpl.Steps))
	for i, step := range m.tpl.Steps {
		m.steps[i] = &StepState{Index: i, Step: step, Status: models.StepPending}
	}

	if m.skips != nil {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go m.watchSkips(watchCtx)
	}

	m.logger.Info("workflow started", "template", m.tpl.Name, "steps", len(m.steps))

	// The index is reassigned by loop rewinds; see rewind.
	for i := 0; i < len(m.steps); i++ {
		if err := ctx.Err(); err != nil {
			m.logger.Info("workflow interrupted", "step", i)
			return m.result(models.WorkflowStopped), err
		}

		st := m.steps[i]
		step := st.Step
		log := m.logger.WithStep(i)

		if step.Type == models.StepTypeUI {
			m.skip(st, "informational step")
			continue
		}
		if step.ExecuteOnce && m.resume.IsCompleted(i) {
			m.skip(st, "already completed")
			continue
		}
		if m.activeLoop != nil && slices.Contains(m.activeLoop.Skip, step.AgentID) {
			m.skip(st, fmt.Sprintf("skipped by active loop from step %d", m.activeLoop.StepIndex))
			continue
		}

		st.Status = models.StepRunning
		st.Error = ""
		m.notify(st)
		if err := m.resume.MarkStarted(i); err != nil {
			log.Warn("failed to record step start", "error", err.Error())
		}

		stepCtx, cancel := context.WithCancel(ctx)
		m.setCancel(cancel)
		aborted, err := m.executeStep(stepCtx, st, log)
		if err == nil && !aborted {
			m.runTrigger(stepCtx, st, log)
		}
		m.setCancel(nil)
		cancel()

		if err != nil {
			if ctx.Err() == nil && stepCtx.Err() != nil {
				aborted = true
			} else {
				st.Error = err.Error()
				m.notify(st)
				log.Error("step failed", "agent", step.AgentID, "error", err.Error())
				return m.result(models.WorkflowFailed), &StepError{Index: i, AgentName: stepName(step), Err: err}
			}
		}
		if aborted {
			// A cancelled run keeps the marker so the step counts as
			// interrupted next time.
			if ctx.Err() == nil {
				if err := m.resume.MarkAborted(i); err != nil {
					log.Warn("failed to clear step start", "error", err.Error())
				}
			}
			m.skip(st, "aborted")
			continue
		}

		if err := m.resume.MarkFinished(i, step.ExecuteOnce); err != nil {
			log.Warn("failed to record step completion", "error", err.Error())
		}
		st.Status = models.StepCompleted
		m.notify(st)

		stop, err := m.checkpoint(ctx, st, log)
		if err != nil && ctx.Err() != nil {
			log.Info("workflow interrupted at checkpoint")
			return m.result(models.WorkflowStopped), ctx.Err()
		}
		if err != nil {
			return m.result(models.WorkflowFailed), &StepError{Index: i, AgentName: stepName(step), Err: err}
		}
		if stop {
			log.Info("workflow stopped at checkpoint")
			return m.result(models.WorkflowStopped), nil
		}

		if next, looped := m.evaluateLoop(st, log); looped {
			i = next
		}
	}

	m.logger.Info("workflow completed")
	return m.result(models.WorkflowCompleted), nil
}

// executeStep runs the fallback agent when the step was interrupted in an
// earlier run, then the step's own agent.
func (m *Machine) executeStep(ctx context.Context, st *StepState, log *logging.Logger) (aborted bool, err error) {
	step := st.Step

	if step.FallbackAgentID != "" && m.resume.WasInterrupted(st.Index) {
		log.Info("step was interrupted, running fallback", "fallback", step.FallbackAgentID)
		out, err := m.invoke(ctx, step.FallbackAgentID, "", step.Engine, step.Model, m.request, nil)
		if err != nil {
			// Don't retry a poisoned step blindly.
			return false, fmt.Errorf("fallback %s: %w", step.FallbackAgentID, err)
		}
		if out.Cancelled() {
			return true, nil
		}
		st.AgentIDs = append(st.AgentIDs, out.AgentID)
	}

	out, err := m.invoke(ctx, step.AgentID, step.PromptPath, step.Engine, step.Model, m.request, nil)
	if err != nil {
		return false, err
	}
	if out.Cancelled() {
		return true, nil
	}

	st.Output = out.Output
	st.Telemetry.Merge(out.Telemetry)
	if out.AgentID != 0 {
		st.AgentIDs = append(st.AgentIDs, out.AgentID)
	}
	return false, nil
}

func (m *Machine) invoke(ctx context.Context, agentID, promptPath, engineID, model, request string, parent *int64) (agent.Outcome, error) {
	def, err := m.catalog.Get(agentID)
	if err != nil {
		return agent.Outcome{}, err
	}
	if promptPath == "" {
		promptPath = def.PromptPath
	}
	if engineID == "" {
		engineID = def.Engine
	}
	if model == "" {
		model = def.Model
	}

	template, err := m.templates.Load(promptPath)
	if err != nil {
		return agent.Outcome{}, err
	}

	return m.invoker.Run(ctx, agent.Request{
		Name:     agentID,
		Prompt:   agent.BuildPrompt(template, "", request),
		ParentID: parent,
		Engine:   engineID,
		Model:    model,
	})
}

// runTrigger spawns the triggered agent. Its failure never fails the step.
func (m *Machine) runTrigger(ctx context.Context, st *StepState, log *logging.Logger) {
	b := st.Step.Behavior()
	if b == nil || b.Type != models.BehaviorTrigger {
		return
	}

	fire, err := m.conditions.ShouldTrigger(ctx, b.Trigger, st.Output, m.luaEnv(st))
	if err != nil {
		log.Warn("trigger condition failed", "error", err.Error())
		return
	}
	if !fire {
		return
	}

	var parent *int64
	if n := len(st.AgentIDs); n > 0 {
		parent = &st.AgentIDs[n-1]
	}
	request := fmt.Sprintf("Triggered by step %d (%s). Its output:\n\n%s", st.Index, stepName(st.Step), st.Output)

	log.Info("trigger fired", "agent", b.Trigger.AgentID)
	out, err := m.invoke(ctx, b.Trigger.AgentID, "", "", "", request, parent)
	switch {
	case err != nil:
		log.Warn("triggered agent failed", "agent", b.Trigger.AgentID, "error", err.Error())
	case out.Cancelled():
		log.Info("triggered agent aborted", "agent", b.Trigger.AgentID)
	}
}

// checkpoint pauses when the step's checkpoint rule matches. It reports
// stop=true when the human chose quit.
func (m *Machine) checkpoint(ctx context.Context, st *StepState, log *logging.Logger) (bool, error) {
	b := st.Step.Behavior()
	if b == nil || b.Type != models.BehaviorCheckpoint {
		return false, nil
	}

	pause, err := m.conditions.ShouldCheckpoint(ctx, b.Checkpoint, st.Output, m.luaEnv(st))
	if err != nil {
		// Let a human decide rather than silently continuing.
		log.Warn("checkpoint condition failed, pausing", "error", err.Error())
		pause = true
	}
	if !pause {
		return false, nil
	}

	log.Info("checkpoint reached, waiting for continue or quit")
	decision, err := m.checkpoints.WaitCheckpoint(ctx, *st)
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return true, nil
		}
		return false, err
	}
	log.Info("checkpoint resolved", "decision", decision.String())
	return decision == DecisionQuit, nil
}

// evaluateLoop returns the index the driver should continue from when the
// step loops back.
func (m *Machine) evaluateLoop(st *StepState, log *logging.Logger) (int, bool) {
	b := st.Step.Behavior()
	if b == nil || b.Type != models.BehaviorLoop {
		return 0, false
	}

	d := behavior.EvaluateLoop(b.Loop, st.Output, m.iterations[st.Index])
	if d == nil {
		return 0, false
	}
	if !d.ShouldRepeat {
		if d.Reason != "" {
			log.Info("loop finished", "reason", d.Reason)
		}
		m.activeLoop = nil
		return 0, false
	}

	m.iterations[st.Index]++
	m.activeLoop = &ActiveLoop{StepIndex: st.Index, Skip: b.Loop.Skip}
	log.Info("loop repeating", "reason", d.Reason, "steps_back", d.StepsBack)

	start := st.Index - d.StepsBack
	if start < 0 {
		start = 0
	}
	for j := start; j <= st.Index; j++ {
		m.resetStep(m.steps[j], log)
	}

	// The driver's i++ lands exactly on start.
	return start - 1, true
}

// resetStep returns a step to its pre-run state. Monitor records of the
// step's own agents are kept; their sub-agents are cleared.
func (m *Machine) resetStep(st *StepState, log *logging.Logger) {
	if m.monitor != nil {
		for _, id := range st.AgentIDs {
			if _, err := m.monitor.ClearDescendants(id); err != nil {
				log.Warn("failed to clear sub-agents", "agent_id", id, "error", err.Error())
			}
		}
	}

	st.Status = models.StepPending
	st.Output = ""
	st.AgentIDs = nil
	st.Telemetry = models.Telemetry{}
	st.SkipReason = ""
	st.Error = ""
	m.notify(st)
}

func (m *Machine) luaEnv(st *StepState) lua.Env {
	return lua.Env{
		RunID:     m.runID,
		StepIndex: st.Index,
		AgentID:   st.Step.AgentID,
		Iteration: m.iterations[st.Index],
	}
}

func (m *Machine) skip(st *StepState, reason string) {
	st.Status = models.StepSkipped
	st.SkipReason = reason
	m.logger.WithStep(st.Index).Debug("step skipped", "reason", reason)
	m.notify(st)
}

func (m *Machine) notify(st *StepState) {
	st.Iterations = m.iterations[st.Index]
	if m.observer != nil {
		m.observer(*st)
	}
}

func (m *Machine) setCancel(cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancelStep = cancel
	m.mu.Unlock()
}

// SkipCurrent aborts the in-flight step, which is then recorded as
// skipped. It reports false when no step is running.
func (m *Machine) SkipCurrent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelStep == nil {
		return false
	}
	m.cancelStep()
	return true
}

func (m *Machine) watchSkips(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.skips:
			if !m.SkipCurrent() {
				m.logger.Info("skip requested but no step is running")
			}
		}
	}
}

func (m *Machine) result(status models.WorkflowStatus) *RunResult {
	res := &RunResult{RunID: m.runID, Status: status}
	for _, st := range m.steps {
		res.Steps = append(res.Steps, *st)
	}
	return res
}

func stepName(step models.WorkflowStep) string {
	if step.AgentName != "" {
		return step.AgentName
	}
	return step.AgentID
}
