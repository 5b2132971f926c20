package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/foreman/internal/tasks"
)

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Work through a dependency-ordered task file",
	}
	cmd.AddCommand(newTasksRunCommand())
	cmd.AddCommand(newTasksListCommand())
	cmd.AddCommand(newTasksLogCommand())
	return cmd
}

func newTasksRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run pending tasks until nothing more can progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			passes := e.cfg.Tasks.MaxPasses
			if cmd.Flags().Changed("passes") {
				passes, _ = cmd.Flags().GetInt("passes")
			}

			catalog, err := e.catalog()
			if err != nil {
				return err
			}

			tc := e.cfg.Tasks
			runner := tasks.NewRunner(tasks.NewStore(tc.File), e.runner(),
				tasks.WithLogger(e.logger),
				tasks.WithRouter(tasks.NewRouter(tc.Routes, tc.DefaultAgent)),
				tasks.WithVerifier(tasks.NewVerifier(e.cfg.WorkDir, tc.VerifyTimeout, e.logger)),
				tasks.WithAuditLog(tasks.NewAuditLog(tc.AuditLog)),
				tasks.WithMaxAttempts(tc.MaxAttempts),
				tasks.WithCatalog(catalog),
				tasks.WithTemplates(e.templates()),
			)

			results, err := runner.RunUntilStable(cmd.Context(), passes)
			for i, r := range results {
				fmt.Printf("Pass %d: %d done, %d failed, %d blocked\n", i+1, len(r.Done), len(r.Failed), len(r.Blocked))
			}
			if err != nil {
				return err
			}

			if n := len(results); n > 0 {
				last := results[n-1]
				if len(last.Failed) > 0 {
					return fmt.Errorf("tasks failed: %s", strings.Join(last.Failed, ", "))
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("passes", 0, "Maximum passes over the task file (default tasks.max_passes)")
	return cmd
}

func newTasksListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks in execution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			items, err := tasks.NewStore(e.cfg.Tasks.File).Load()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Printf("No tasks in %s\n", e.cfg.Tasks.File)
				return nil
			}

			router := tasks.NewRouter(e.cfg.Tasks.Routes, e.cfg.Tasks.DefaultAgent)
			done := make(map[string]bool)
			for _, t := range items {
				if t.Done {
					done[t.ID] = true
				}
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tNAME\tPHASE\tAGENT\tWAITING ON")
			for _, t := range tasks.Order(items) {
				mark := " "
				if t.Done {
					mark = "x"
				}
				waiting := "-"
				if unmet := tasks.Unmet(t, done); len(unmet) > 0 && !t.Done {
					waiting = strings.Join(unmet, ",")
				}
				fmt.Fprintf(w, "[%s]\t%s\t%s\t%s\t%s\t%s\n", mark, t.ID, t.Name, t.Phase, router.Route(t), waiting)
			}
			return w.Flush()
		},
	}
}

func newTasksLogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "Show the task audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			entries, err := tasks.ReadAudit(e.cfg.Tasks.AuditLog)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTASK\tAGENT\tOUTCOME\tDURATION\tMESSAGE")
			for _, en := range entries {
				d := time.Duration(en.DurationMs) * time.Millisecond
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					en.Timestamp.Local().Format("15:04:05"), en.TaskID, en.Agent, en.Outcome,
					d.Round(time.Second), firstLine(en.Message))
			}
			return w.Flush()
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
