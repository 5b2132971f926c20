// Package config loads foreman settings from defaults, an optional YAML
// file, a .env file and FOREMAN_* environment variables, in increasing
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mpataki/foreman/internal/tasks"
)

const (
	EnvPrefix      = "FOREMAN"
	DefaultDataDir = ".foreman"
	ConfigFileName = "config.yaml"
)

type Config struct {
	DataDir       string            `mapstructure:"data_dir"`
	WorkDir       string            `mapstructure:"work_dir"`
	AgentsFile    string            `mapstructure:"agents_file"`
	TemplateDirs  []string          `mapstructure:"template_dirs"`
	Placeholders  map[string]string `mapstructure:"placeholders"`
	DefaultEngine string            `mapstructure:"default_engine"`
	Engines       []EngineConfig    `mapstructure:"engines"`
	Logging       LoggingConfig     `mapstructure:"logging"`
	Agent         AgentConfig       `mapstructure:"agent"`
	Tasks         TasksConfig       `mapstructure:"tasks"`
}

type EngineConfig struct {
	ID          string            `mapstructure:"id"`
	Name        string            `mapstructure:"name"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	AuthCommand string            `mapstructure:"auth_command"`
	Model       string            `mapstructure:"model"`
	ModelFlag   string            `mapstructure:"model_flag"`
	Env         map[string]string `mapstructure:"env"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// VerbosePrompts writes the full composite prompt into agent log
	// headers instead of its first line.
	VerbosePrompts bool `mapstructure:"verbose_prompts"`
}

type AgentConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	AuthCacheTTL time.Duration `mapstructure:"auth_cache_ttl"`
}

type TasksConfig struct {
	File          string        `mapstructure:"file"`
	AuditLog      string        `mapstructure:"audit_log"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	MaxPasses     int           `mapstructure:"max_passes"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
	Routes        []tasks.Route `mapstructure:"routes"`
	DefaultAgent  string        `mapstructure:"default_agent"`
}

// DefaultEngines drive the claude CLI in print mode.
var DefaultEngines = []EngineConfig{{
	ID:          "claude",
	Name:        "Claude Code",
	Command:     "claude",
	Args:        []string{"-p"},
	AuthCommand: "claude --version",
}}

func Default() *Config {
	return &Config{
		DataDir:       DefaultDataDir,
		AgentsFile:    filepath.Join(DefaultDataDir, "agents.yaml"),
		TemplateDirs:  []string{filepath.Join(DefaultDataDir, "workflows")},
		Placeholders:  map[string]string{},
		DefaultEngine: "claude",
		Engines:       DefaultEngines,
		Logging:       LoggingConfig{Level: "INFO"},
		Agent: AgentConfig{
			Timeout:      10 * time.Minute,
			AuthCacheTTL: 30 * time.Second,
		},
		Tasks: TasksConfig{
			File:          filepath.Join(DefaultDataDir, "tasks.json"),
			AuditLog:      filepath.Join(DefaultDataDir, "tasks-audit.jsonl"),
			MaxAttempts:   tasks.DefaultMaxAttempts,
			MaxPasses:     10,
			VerifyTimeout: tasks.DefaultVerifyTimeout,
			DefaultAgent:  tasks.DefaultAgent,
		},
	}
}

// SetDefaults registers every default on v so env overrides of nested
// keys resolve.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("work_dir", "")
	v.SetDefault("agents_file", d.AgentsFile)
	v.SetDefault("template_dirs", d.TemplateDirs)
	v.SetDefault("placeholders", d.Placeholders)
	v.SetDefault("default_engine", d.DefaultEngine)
	v.SetDefault("engines", engineMaps(d.Engines))

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.verbose_prompts", d.Logging.VerbosePrompts)

	v.SetDefault("agent.timeout", d.Agent.Timeout)
	v.SetDefault("agent.auth_cache_ttl", d.Agent.AuthCacheTTL)

	v.SetDefault("tasks.file", d.Tasks.File)
	v.SetDefault("tasks.audit_log", d.Tasks.AuditLog)
	v.SetDefault("tasks.max_attempts", d.Tasks.MaxAttempts)
	v.SetDefault("tasks.max_passes", d.Tasks.MaxPasses)
	v.SetDefault("tasks.verify_timeout", d.Tasks.VerifyTimeout)
	v.SetDefault("tasks.routes", []map[string]any{})
	v.SetDefault("tasks.default_agent", d.Tasks.DefaultAgent)
}

func engineMaps(engines []EngineConfig) []map[string]any {
	out := make([]map[string]any, 0, len(engines))
	for _, e := range engines {
		out = append(out, map[string]any{
			"id":           e.ID,
			"name":         e.Name,
			"command":      e.Command,
			"args":         e.Args,
			"auth_command": e.AuthCommand,
			"model":        e.Model,
		})
	}
	return out
}

// NewViper returns a viper instance with defaults and env binding set up.
// configFile may be empty, in which case <data_dir>/config.yaml is read if
// it exists.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(strings.TrimSuffix(ConfigFileName, filepath.Ext(ConfigFileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
	}
	return v
}

// Load reads .env from the current directory, then the config file, and
// unmarshals the result. A missing config file is not an error; an
// explicitly named one must exist.
func Load(configFile string) (*Config, error) {
	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := NewViper(configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg.WorkDir = wd
	}
	if cfg.Placeholders == nil {
		cfg.Placeholders = map[string]string{}
	}
	for i := range cfg.Engines {
		if cfg.Engines[i].ModelFlag == "" {
			cfg.Engines[i].ModelFlag = "--model"
		}
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

func (c *Config) DBPath() string   { return filepath.Join(c.DataDir, "foreman.db") }
func (c *Config) LogsDir() string  { return filepath.Join(c.DataDir, "logs") }
func (c *Config) StateDir() string { return filepath.Join(c.DataDir, "state") }

// EnsureDataDir creates the data, logs and state directories.
func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.LogsDir(), c.StateDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// Engine returns the engine config with the given id.
func (c *Config) Engine(id string) (EngineConfig, bool) {
	for _, e := range c.Engines {
		if e.ID == id {
			return e, true
		}
	}
	return EngineConfig{}, false
}
