package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/foreman/internal/agent"
	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/engine"
	"github.com/mpataki/foreman/internal/logging"
	"github.com/mpataki/foreman/internal/monitor"
	"github.com/mpataki/foreman/internal/spec"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "Multi-agent orchestration",
		Long: "Foreman runs coding agents in parallel or in sequence, drives multi-step\n" +
			"workflows with loops and checkpoints, and tracks every agent it starts.",
		RunE:          runTUI,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default .foreman/config.yaml)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newWorkflowCommand())
	rootCmd.AddCommand(newSignalCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newWatchCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// env holds what every command needs: config, logger and the agent
// monitor over the SQLite store.
type env struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   *storage.Storage
	monitor *monitor.Monitor
}

func openEnv(cmd *cobra.Command) (*env, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger, err := logging.NewLogger(cfg.DataDir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	store, err := storage.New(cfg.DBPath())
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &env{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		monitor: monitor.New(store, cfg.LogsDir(), monitor.WithLogger(logger)),
	}, nil
}

func (e *env) Close() {
	e.monitor.Flush()
	e.store.Close()
	e.logger.Close()
}

func (e *env) engines() *engine.Registry {
	var engines []engine.Engine
	for _, ec := range e.cfg.Engines {
		engines = append(engines, engine.NewCommandEngine(engine.CommandConfig{
			ID:          ec.ID,
			Name:        ec.Name,
			Command:     ec.Command,
			Args:        ec.Args,
			AuthCommand: ec.AuthCommand,
			Model:       ec.Model,
			ModelFlag:   ec.ModelFlag,
			Env:         ec.Env,
		}))
	}
	return engine.NewRegistry(e.cfg.DefaultEngine, engines...)
}

func (e *env) runner() *agent.Runner {
	return agent.NewRunner(e.monitor, e.engines(),
		agent.WithLogger(e.logger),
		agent.WithTimeout(e.cfg.Agent.Timeout),
		agent.WithAuthCache(engine.NewAuthCache(e.cfg.Agent.AuthCacheTTL)),
		agent.WithVerbosePrompts(e.cfg.Logging.VerbosePrompts),
		agent.WithWorkingDir(e.cfg.WorkDir),
	)
}

func (e *env) catalog() (*spec.Catalog, error) {
	c, err := spec.LoadCatalog(e.cfg.AgentsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	return c, nil
}

func (e *env) templates() *agent.Templates {
	return agent.NewTemplates(e.cfg.Placeholders, e.cfg.WorkDir, e.logger)
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	p := tea.NewProgram(tui.NewApp(e.monitor), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
	_, err = p.Run()
	return err
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Open the agent dashboard",
		Args:  cobra.NoArgs,
		RunE:  runTUI,
	}
}
