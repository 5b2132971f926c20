// Package orchestrator executes coordination plans produced by the dsl
// package.
//
// Groups run strictly one after another. A parallel group starts every
// command and waits for all of them; a sequential group runs commands in
// order and stops at the first failure, which also halts the rest of the
// plan. Failures are reported in the result, never as errors.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/logging"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/monitor"
	"github.com/mpataki/foreman/internal/spec"
)

// AgentInvoker runs a single agent. *agent.Runner satisfies it.
type AgentInvoker interface {
	Run(ctx context.Context, req agent.Request) (agent.Outcome, error)
}

type Orchestrator struct {
	invoker   AgentInvoker
	catalog   *spec.Catalog
	templates *agent.Templates
	monitor   *monitor.Monitor
	parentID  *int64
	logger    *logging.Logger
}

type Option func(*Orchestrator)

func WithLogger(l *logging.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithMonitor enables best-effort agent id lookup for failed commands.
func WithMonitor(m *monitor.Monitor) Option { return func(o *Orchestrator) { o.monitor = m } }

// WithParent records every spawned agent as a child of id.
func WithParent(id int64) Option { return func(o *Orchestrator) { o.parentID = &id } }

func New(invoker AgentInvoker, catalog *spec.Catalog, templates *agent.Templates, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		invoker:   invoker,
		catalog:   catalog,
		templates: templates,
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs plan to completion or to the first sequential failure.
func (o *Orchestrator) Execute(ctx context.Context, plan *models.CoordinationPlan) *models.CoordinationResult {
	result := &models.CoordinationResult{Success: true}

	for gi, group := range plan.Groups {
		var results []models.AgentExecutionResult
		var halt bool

		switch group.Mode {
		case models.ModeParallel:
			results = o.runParallel(ctx, group.Commands)
		default:
			results, halt = o.runSequential(ctx, group.Commands)
		}

		result.Results = append(result.Results, results...)
		for _, r := range results {
			if !r.Success {
				result.Success = false
			}
		}

		if halt {
			result.Halted = true
			if f := result.FirstFailure(); f != nil {
				o.logger.Warn("sequential group failed, halting plan", "group", gi, "agent", f.Name, "error", f.Error)
			}
			break
		}
	}

	return result
}

func (o *Orchestrator) runParallel(ctx context.Context, cmds []models.AgentCommand) []models.AgentExecutionResult {
	results := make([]models.AgentExecutionResult, len(cmds))

	var g errgroup.Group
	for i, cmd := range cmds {
		g.Go(func() error {
			results[i] = o.runCommand(ctx, cmd)
			return nil
		})
	}
	g.Wait()

	return results
}

// runSequential reports halt=true when a command failed; commands after it
// produce no result.
func (o *Orchestrator) runSequential(ctx context.Context, cmds []models.AgentCommand) ([]models.AgentExecutionResult, bool) {
	var results []models.AgentExecutionResult
	for _, cmd := range cmds {
		r := o.runCommand(ctx, cmd)
		results = append(results, r)
		if !r.Success {
			return results, true
		}
	}
	return results, false
}

func (o *Orchestrator) runCommand(ctx context.Context, cmd models.AgentCommand) models.AgentExecutionResult {
	result := models.AgentExecutionResult{
		Name:   cmd.Name,
		Prompt: cmd.Prompt,
		Input:  cmd.Input,
	}

	def, err := o.catalog.Get(cmd.Name)
	if err != nil {
		result.Error = fmt.Sprintf("agent %q not found", cmd.Name)
		return result
	}

	template, err := o.templates.Load(def.PromptPath)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	prompt := agent.BuildPrompt(template, o.loadInputs(cmd.Input), cmd.Prompt)

	outcome, err := o.invoker.Run(ctx, agent.Request{
		Name:     cmd.Name,
		Prompt:   prompt,
		ParentID: o.parentID,
		Engine:   def.Engine,
		Model:    def.Model,
	})
	result.AgentID = outcome.AgentID

	switch {
	case err != nil:
		result.Error = err.Error()
		if result.AgentID == 0 {
			result.AgentID = o.lookupAgentID(cmd.Name)
		}
		return result
	case outcome.Cancelled():
		result.Error = "cancelled"
		return result
	}

	result.Success = true
	result.Output = outcome.Output
	if cmd.Tail > 0 {
		result.Output, result.TailApplied = tailLines(outcome.Output, cmd.Tail)
	}
	return result
}

// loadInputs concatenates input files under per-file headers. Unreadable
// files are replaced by a marker so one bad path never aborts the command.
func (o *Orchestrator) loadInputs(paths []string) string {
	var sections []string
	for _, p := range paths {
		resolved := o.templates.ResolvePath(p)
		header := fmt.Sprintf("=== File: %s ===", p)

		data, err := os.ReadFile(resolved)
		if err != nil {
			o.logger.Warn("failed to load input file", "path", p, "error", err.Error())
			sections = append(sections, fmt.Sprintf("%s\n(FAILED TO LOAD: %v)", header, err))
			continue
		}
		sections = append(sections, header+"\n"+strings.TrimRight(string(data), "\n"))
	}
	return strings.Join(sections, "\n\n")
}

// tailLines keeps the last n lines of output. applied is n when lines were
// dropped, else 0.
func tailLines(output string, n int) (string, int) {
	trimmed := strings.TrimRight(output, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return output, 0
	}
	return strings.Join(lines[len(lines)-n:], "\n"), n
}

// lookupAgentID finds the newest monitor record for name under this
// orchestrator's parent.
func (o *Orchestrator) lookupAgentID(name string) int64 {
	if o.monitor == nil {
		return 0
	}
	agents, err := o.monitor.QueryAgents(monitor.Query{Name: name, ParentID: o.parentID})
	if err != nil || len(agents) == 0 {
		return 0
	}
	return agents[len(agents)-1].ID
}
