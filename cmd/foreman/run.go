package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/dsl"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/tui"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run agents from a coordination script",
		Long: "Run agents described by a coordination script:\n\n" +
			"  foreman run \"planner 'draft a plan' && coder[input:plan.md] 'implement it'\"\n" +
			"  foreman run \"reviewer 'check api' & reviewer 'check ui'\"\n\n" +
			"&& runs in sequence and stops at the first failure; & runs in parallel.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			parent, _ := cmd.Flags().GetInt64("parent")

			plan, err := dsl.Parse(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			catalog, err := e.catalog()
			if err != nil {
				return err
			}

			opts := []orchestrator.Option{
				orchestrator.WithLogger(e.logger),
				orchestrator.WithMonitor(e.monitor),
			}
			if parent == 0 {
				parent = parentFromEnv()
			}
			if parent != 0 {
				opts = append(opts, orchestrator.WithParent(parent))
			}

			orch := orchestrator.New(e.runner(), catalog, e.templates(), opts...)
			result := orch.Execute(cmd.Context(), plan)

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				printCoordination(result)
			}

			if f := result.FirstFailure(); f != nil {
				return fmt.Errorf("agent %s failed: %s", f.Name, f.Error)
			}
			return nil
		},
	}

	cmd.Flags().Bool("json", false, "Print results as JSON")
	cmd.Flags().Int64("parent", 0, "Monitor id of the parent agent (default $"+agent.ParentEnvVar+")")
	return cmd
}

func parentFromEnv() int64 {
	id, err := strconv.ParseInt(os.Getenv(agent.ParentEnvVar), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func printCoordination(result *models.CoordinationResult) {
	for _, r := range result.Results {
		status := tui.FormatStatus(models.AgentStatusCompleted)
		if !r.Success {
			status = tui.FormatStatus(models.AgentStatusFailed)
		}
		id := ""
		if r.AgentID != 0 {
			id = fmt.Sprintf(" (#%d)", r.AgentID)
		}
		fmt.Printf("%s %s%s\n", status, r.Name, id)

		if r.Error != "" {
			fmt.Printf("  error: %s\n", r.Error)
		}
		if out := strings.TrimSpace(r.Output); out != "" {
			if r.TailApplied > 0 {
				fmt.Printf("  (last %d lines)\n", r.TailApplied)
			}
			fmt.Println(indent(out, "  "))
		}
	}
	if result.Halted {
		fmt.Println("Stopped after the first failure in a sequential group.")
	}
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}
