package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/spec"
	"github.com/mpataki/foreman/internal/workflow"
	"github.com/mpataki/foreman/internal/workspace"
)

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow <name|path> [request]",
		Short: "Run a workflow template",
		Long: "Run a workflow template step by step. Completed one-shot steps are\n" +
			"skipped on the next run of the same template. While a workflow runs,\n" +
			"`foreman signal continue|quit|skip` steers it from another terminal.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fresh, _ := cmd.Flags().GetBool("fresh")
			auto, _ := cmd.Flags().GetBool("auto")
			request := ""
			if len(args) > 1 {
				request = args[1]
			}

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			tpl, err := findTemplate(args[0], e.cfg.TemplateDirs)
			if err != nil {
				return err
			}
			catalog, err := e.catalog()
			if err != nil {
				return err
			}
			if err := catalog.ResolveSteps(tpl); err != nil {
				return err
			}

			ws, err := workspace.Open(e.cfg.StateDir())
			if err != nil {
				return err
			}
			watcher, err := ws.Watch(e.logger)
			if err != nil {
				return err
			}
			defer watcher.Close()

			opts := []workflow.Option{
				workflow.WithLogger(e.logger),
				workflow.WithMonitor(e.monitor),
				workflow.WithSkipSignals(watcher.Skips()),
				workflow.WithRequest(request),
				workflow.WithObserver(printStep),
			}
			if auto {
				opts = append(opts, workflow.WithCheckpoints(workflow.AutoContinue{}))
			} else {
				opts = append(opts, workflow.WithCheckpoints(checkpointPrompt{workflow.SignalWaiter{Signals: watcher.Checkpoints()}}))
			}

			runID := uuid.NewString()
			resume, err := ws.OpenResume(tpl.Path, runID)
			if err != nil {
				return err
			}
			if fresh {
				if err := resume.Reset(); err != nil {
					return err
				}
			}
			opts = append(opts, workflow.WithRunID(runID))
			m := workflow.New(tpl, e.runner(), catalog, e.templates(), resume, opts...)

			fmt.Printf("Workflow %q (run %s), %d steps\n", tpl.Name, m.RunID(), len(tpl.Steps))
			res, err := m.Run(cmd.Context())
			if err != nil {
				var stepErr *workflow.StepError
				if errors.As(err, &stepErr) {
					return fmt.Errorf("workflow halted at step %d (%s): %w", stepErr.Index, stepErr.AgentName, stepErr.Err)
				}
				return err
			}

			switch res.Status {
			case models.WorkflowStopped:
				fmt.Println("Workflow stopped at checkpoint.")
			default:
				fmt.Println("Workflow completed.")
			}
			return nil
		},
	}

	cmd.Flags().Bool("fresh", false, "Ignore resume markers from earlier runs")
	cmd.Flags().Bool("auto", false, "Continue through checkpoints without waiting")
	return cmd
}

// findTemplate accepts a template file path or a template name from the
// configured template directories.
func findTemplate(nameOrPath string, dirs []string) (*models.WorkflowTemplate, error) {
	if info, err := os.Stat(nameOrPath); err == nil && !info.IsDir() {
		return spec.ParseTemplate(nameOrPath)
	}

	templates, err := spec.LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	tpl, ok := templates[nameOrPath]
	if !ok {
		var names []string
		for n := range templates {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("workflow %q not found (available: %s)", nameOrPath, strings.Join(names, ", "))
	}
	return tpl, nil
}

func printStep(s workflow.StepState) {
	name := s.Step.AgentName
	if name == "" {
		name = s.Step.AgentID
	}
	switch s.Status {
	case models.StepRunning:
		fmt.Printf("[%d] %s running\n", s.Index, name)
	case models.StepCompleted:
		suffix := ""
		if s.Iterations > 0 {
			suffix = fmt.Sprintf(" (iteration %d)", s.Iterations+1)
		}
		fmt.Printf("[%d] %s completed%s\n", s.Index, name, suffix)
	case models.StepSkipped:
		if s.Step.Type == models.StepTypeUI && s.Step.Text != "" {
			fmt.Println(s.Step.Text)
			return
		}
		fmt.Printf("[%d] %s skipped: %s\n", s.Index, name, s.SkipReason)
	}
}

// checkpointPrompt tells the user how to resume before waiting.
type checkpointPrompt struct {
	workflow.SignalWaiter
}

func (c checkpointPrompt) WaitCheckpoint(ctx context.Context, s workflow.StepState) (workflow.Decision, error) {
	fmt.Printf("Checkpoint after step %d. Run `foreman signal continue` or `foreman signal quit`.\n", s.Index)
	return c.SignalWaiter.WaitCheckpoint(ctx, s)
}

func newSignalCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "signal <continue|quit|skip>",
		Short:     "Steer a running workflow",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"continue", "quit", "skip"},
		RunE: func(cmd *cobra.Command, args []string) error {
			sig, err := workspace.ParseSignal(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ws, err := workspace.Open(e.cfg.StateDir())
			if err != nil {
				return err
			}
			if err := ws.WriteSignal(sig); err != nil {
				return err
			}
			fmt.Printf("Sent %s\n", sig)
			return nil
		},
	}
}
