package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/logging"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/spec"
)

const DefaultMaxAttempts = 3

// remediationOutputLines caps the failing command output quoted back to
// the agent.
const remediationOutputLines = 40

type AgentInvoker interface {
	Run(ctx context.Context, req agent.Request) (agent.Outcome, error)
}

type Runner struct {
	store       *Store
	invoker     AgentInvoker
	catalog     *spec.Catalog
	templates   *agent.Templates
	router      *Router
	verifier    *Verifier
	audit       *AuditLog
	maxAttempts int
	logger      *logging.Logger
	now         func() time.Time
}

type Option func(*Runner)

func WithLogger(l *logging.Logger) Option     { return func(r *Runner) { r.logger = l } }
func WithRouter(router *Router) Option        { return func(r *Runner) { r.router = router } }
func WithVerifier(v *Verifier) Option         { return func(r *Runner) { r.verifier = v } }
func WithAuditLog(a *AuditLog) Option         { return func(r *Runner) { r.audit = a } }
func WithMaxAttempts(n int) Option            { return func(r *Runner) { r.maxAttempts = n } }
func WithClock(now func() time.Time) Option   { return func(r *Runner) { r.now = now } }
func WithCatalog(c *spec.Catalog) Option      { return func(r *Runner) { r.catalog = c } }
func WithTemplates(t *agent.Templates) Option { return func(r *Runner) { r.templates = t } }

func NewRunner(store *Store, invoker AgentInvoker, opts ...Option) *Runner {
	r := &Runner{
		store:       store,
		invoker:     invoker,
		maxAttempts: DefaultMaxAttempts,
		logger:      logging.NopLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.router == nil {
		r.router = NewRouter(nil, "")
	}
	if r.verifier == nil {
		r.verifier = NewVerifier("", 0, r.logger)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	return r
}

// PassResult lists task ids by what happened to them in one pass.
type PassResult struct {
	Done    []string
	Failed  []string
	Blocked []string
}

// Progressed reports whether the pass completed at least one task.
func (p PassResult) Progressed() bool { return len(p.Done) > 0 }

// RunPass makes one forward pass in dependency order. Tasks with unmet
// dependencies are skipped; tasks completed earlier in the same pass
// unblock their dependents. Verification failures are recorded, not
// returned; only storage errors and cancellation end a pass early.
func (r *Runner) RunPass(ctx context.Context) (PassResult, error) {
	var res PassResult

	tasks, err := r.store.Load()
	if err != nil {
		return res, err
	}

	done := make(map[string]bool)
	for _, t := range tasks {
		if t.Done {
			done[t.ID] = true
		}
	}

	for _, t := range Order(tasks) {
		if t.Done {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := r.logger.With("task_id", t.ID)

		if unmet := Unmet(t, done); len(unmet) > 0 {
			log.Debug("task blocked", "waiting_on", strings.Join(unmet, ","))
			res.Blocked = append(res.Blocked, t.ID)
			r.record(t, "", 0, models.TaskOutcomeSkipped, "waiting on "+strings.Join(unmet, ", "))
			continue
		}

		ok, err := r.runTask(ctx, t, log)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Failed = append(res.Failed, t.ID)
			continue
		}

		if err := r.markDone(t.ID); err != nil {
			return res, err
		}
		done[t.ID] = true
		res.Done = append(res.Done, t.ID)
	}

	return res, nil
}

// RunUntilStable repeats passes until one completes nothing. maxPasses <= 0
// means no limit beyond that.
func (r *Runner) RunUntilStable(ctx context.Context, maxPasses int) ([]PassResult, error) {
	var passes []PassResult
	for n := 1; maxPasses <= 0 || n <= maxPasses; n++ {
		res, err := r.RunPass(ctx)
		passes = append(passes, res)
		if err != nil {
			return passes, err
		}
		r.logger.Info("task pass finished", "pass", n, "done", len(res.Done), "failed", len(res.Failed), "blocked", len(res.Blocked))
		if !res.Progressed() || (len(res.Failed) == 0 && len(res.Blocked) == 0) {
			break
		}
	}
	return passes, nil
}

// runTask dispatches the task with bounded retries. It reports whether
// verification passed.
func (r *Runner) runTask(ctx context.Context, t models.TaskItem, log *logging.Logger) (bool, error) {
	agentName := r.router.Route(t)
	commands := ExtractVerification(t.Details)
	template := r.template(agentName, log)

	var lastFailure *VerifyResult
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		final := attempt == r.maxAttempts
		start := r.now()

		request := TaskPrompt(t)
		switch {
		case lastFailure != nil:
			request += "\n\n" + RemediationPrompt(*lastFailure)
		case lastErr != nil:
			request += fmt.Sprintf("\n\nThe previous attempt failed: %v", lastErr)
		}

		log.Info("dispatching task", "agent", agentName, "attempt", attempt)
		out, err := r.invoker.Run(ctx, agent.Request{
			Name:   agentName,
			Prompt: agent.BuildPrompt(template, "", request),
		})
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if out.Cancelled() {
			r.record(t, agentName, r.now().Sub(start), models.TaskOutcomeSkipped, "agent cancelled")
			return false, nil
		}
		if err != nil {
			lastErr, lastFailure = err, nil
			r.record(t, agentName, r.now().Sub(start), retryOrFail(final), err.Error())
			continue
		}

		failure := r.verifier.RunAll(ctx, commands)
		elapsed := r.now().Sub(start)
		if failure == nil {
			r.record(t, agentName, elapsed, models.TaskOutcomeDone, verifiedMessage(len(commands)))
			return true, nil
		}

		lastErr, lastFailure = nil, failure
		log.Warn("verification failed", "command", failure.Command, "exit_code", failure.ExitCode, "attempt", attempt)
		r.record(t, agentName, elapsed, retryOrFail(final), fmt.Sprintf("verification failed: `%s` exited %d", failure.Command, failure.ExitCode))
	}
	return false, nil
}

func (r *Runner) template(agentName string, log *logging.Logger) string {
	if r.catalog == nil || r.templates == nil {
		return ""
	}
	def, err := r.catalog.Get(agentName)
	if err != nil {
		log.Debug("routed agent has no catalog entry", "agent", agentName)
		return ""
	}
	tpl, err := r.templates.Load(def.PromptPath)
	if err != nil {
		log.Warn("failed to load agent template", "agent", agentName, "error", err.Error())
		return ""
	}
	return tpl
}

// markDone reloads the file so edits made while the agent ran survive,
// then rewrites it whole.
func (r *Runner) markDone(id string) error {
	tasks, err := r.store.Load()
	if err != nil {
		return err
	}
	for i := range tasks {
		if tasks[i].ID == id {
			tasks[i].Done = true
		}
	}
	return r.store.Save(tasks)
}

func (r *Runner) record(t models.TaskItem, agentName string, elapsed time.Duration, outcome models.TaskOutcome, msg string) {
	if r.audit == nil {
		return
	}
	err := r.audit.Append(models.AuditEntry{
		Timestamp:  r.now().UTC(),
		TaskID:     t.ID,
		TaskName:   t.Name,
		Phase:      t.Phase,
		Agent:      agentName,
		DurationMs: elapsed.Milliseconds(),
		Outcome:    outcome,
		Message:    msg,
	})
	if err != nil {
		r.logger.Warn("failed to append audit entry", "task_id", t.ID, "error", err.Error())
	}
}

func retryOrFail(final bool) models.TaskOutcome {
	if final {
		return models.TaskOutcomeFailed
	}
	return models.TaskOutcomeRetry
}

func verifiedMessage(n int) string {
	if n == 0 {
		return "no verification commands"
	}
	return fmt.Sprintf("%d verification command(s) passed", n)
}

// TaskPrompt renders the request sent to the agent for a task.
func TaskPrompt(t models.TaskItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", t.ID, t.Name)
	if t.Phase != "" {
		fmt.Fprintf(&b, "Phase: %s\n", t.Phase)
	}
	if d := strings.TrimSpace(t.Details); d != "" {
		b.WriteString("\n" + d + "\n")
	}
	if ac := strings.TrimSpace(t.AcceptanceCriteria); ac != "" {
		b.WriteString("\nAcceptance criteria:\n" + ac + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// RemediationPrompt describes a failed verification command.
func RemediationPrompt(f VerifyResult) string {
	var b strings.Builder
	b.WriteString("The previous attempt did not pass verification.\n")
	fmt.Fprintf(&b, "Command: %s\n", f.Command)
	if f.Err != nil {
		fmt.Fprintf(&b, "Error: %v\n", f.Err)
	} else {
		fmt.Fprintf(&b, "Exit code: %d\n", f.ExitCode)
	}
	if out := tail(strings.TrimSpace(f.Output), remediationOutputLines); out != "" {
		b.WriteString("Output:\n" + out + "\n")
	}
	b.WriteString("Fix the problem so that the command succeeds.")
	return b.String()
}

func tail(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
