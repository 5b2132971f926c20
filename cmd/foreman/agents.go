package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/monitor"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/tui"
)

func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agents recorded by the monitor",
	}
	cmd.AddCommand(newAgentsListCommand())
	cmd.AddCommand(newAgentsTreeCommand())
	cmd.AddCommand(newAgentsShowCommand())
	cmd.AddCommand(newAgentsLogsCommand())
	cmd.AddCommand(newAgentsClearCommand())
	return cmd
}

func newAgentsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, _ := cmd.Flags().GetStringSlice("status")
			name, _ := cmd.Flags().GetString("name")
			parent, _ := cmd.Flags().GetInt64("parent")

			q := monitor.Query{Name: name}
			for _, s := range statuses {
				st := models.AgentStatus(strings.ToLower(s))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				q.Statuses = append(q.Statuses, st)
			}
			if cmd.Flags().Changed("parent") {
				q.ParentID = &parent
			}

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			agents, err := e.monitor.QueryAgents(q)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("No agents found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPARENT\tSTARTED")
			for _, a := range agents {
				parent := "-"
				if a.ParentID != nil {
					parent = strconv.FormatInt(*a.ParentID, 10)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Status, parent, storage.FormatTimeAgo(a.StartTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSlice("status", nil, "Only agents with these statuses (running, completed, failed)")
	cmd.Flags().String("name", "", "Agent name or glob pattern")
	cmd.Flags().Int64("parent", 0, "Only children of this agent")
	return cmd
}

func newAgentsTreeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show agents as a parent/child tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			nodes, err := e.monitor.BuildAgentTree()
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Println("No agents found.")
				return nil
			}
			fmt.Print(tui.RenderTree(nodes))
			return nil
		},
	}
}

func newAgentsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAgentID(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			a, err := e.monitor.GetAgent(id)
			if err != nil {
				return fmt.Errorf("agent %d: %w", id, err)
			}
			fmt.Println(tui.FormatDetail(a))
			return nil
		},
	}
}

func newAgentsLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print an agent's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tail, _ := cmd.Flags().GetInt("tail")
			id, err := parseAgentID(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			a, err := e.monitor.GetAgent(id)
			if err != nil {
				return fmt.Errorf("agent %d: %w", id, err)
			}
			if a.LogPath == "" {
				return fmt.Errorf("agent %d has no log", id)
			}
			out, err := monitor.ReadLog(a.LogPath, tail)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().Int("tail", 0, "Only the last N lines")
	return cmd
}

func newAgentsClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <id>",
		Short: "Delete every descendant of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAgentID(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.monitor.ClearDescendants(id)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d descendants of agent %d\n", n, id)
			return nil
		},
	}
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id>",
		Short: "Terminate a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAgentID(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.monitor.Kill(id); err != nil {
				return err
			}
			fmt.Printf("Killed agent %d\n", id)
			return nil
		},
	}
}

func parseAgentID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid agent id %q", s)
	}
	return id, nil
}
