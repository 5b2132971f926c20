package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(NewViper(""))
	if err != nil {
		t.Fatalf("FromViper failed: %v", err)
	}

	if cfg.Agent.Timeout != 10*time.Minute || cfg.Agent.AuthCacheTTL != 30*time.Second {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Tasks.MaxAttempts != 3 || cfg.Tasks.DefaultAgent != "coder" {
		t.Errorf("tasks = %+v", cfg.Tasks)
	}
	if len(cfg.Engines) != 1 || cfg.Engines[0].ID != "claude" || cfg.Engines[0].ModelFlag != "--model" {
		t.Errorf("engines = %+v", cfg.Engines)
	}
	if cfg.WorkDir == "" {
		t.Error("work dir should default to cwd")
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{DataDir: filepath.Join(t.TempDir(), "data")}

	if got := cfg.DBPath(); got != filepath.Join(cfg.DataDir, "foreman.db") {
		t.Errorf("DBPath = %s", got)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		t.Fatalf("EnsureDataDir failed: %v", err)
	}
	for _, dir := range []string{cfg.LogsDir(), cfg.StateDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("%s not created", dir)
		}
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
default_engine: fake
engines:
  - id: fake
    command: cat
    model: small
logging:
  level: debug
agent:
  timeout: 90s
tasks:
  routes:
    - agent: dba
      keywords: [sql, migration]
placeholders:
  spec: docs/spec.md
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FOREMAN_TASKS_MAX_ATTEMPTS", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Agent.Timeout != 90*time.Second {
		t.Errorf("timeout = %s", cfg.Agent.Timeout)
	}
	if cfg.Tasks.MaxAttempts != 5 {
		t.Errorf("env override ignored: max_attempts = %d", cfg.Tasks.MaxAttempts)
	}
	e, ok := cfg.Engine("fake")
	if !ok || e.Command != "cat" || e.Model != "small" {
		t.Errorf("engine = %+v, %v", e, ok)
	}
	if len(cfg.Tasks.Routes) != 1 || cfg.Tasks.Routes[0].Agent != "dba" || len(cfg.Tasks.Routes[0].Keywords) != 2 {
		t.Errorf("routes = %+v", cfg.Tasks.Routes)
	}
	if cfg.Placeholders["spec"] != "docs/spec.md" {
		t.Errorf("placeholders = %v", cfg.Placeholders)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"zero timeout", func(c *Config) { c.Agent.Timeout = 0 }, "agent.timeout"},
		{"no engines", func(c *Config) { c.Engines = nil }, "engines"},
		{"unknown default", func(c *Config) { c.DefaultEngine = "ghost" }, "default_engine"},
		{"empty command", func(c *Config) { c.Engines = []EngineConfig{{ID: "claude"}} }, "engines[0].command"},
		{"duplicate engine", func(c *Config) { c.Engines = append(c.Engines, c.Engines[0]) }, "engines[1].id"},
		{"zero attempts", func(c *Config) { c.Tasks.MaxAttempts = 0 }, "tasks.max_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()

			if tt.field == "" {
				if len(errs) != 0 {
					t.Errorf("unexpected errors: %v", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, errs)
			}
		})
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "loud"
	cfg.Agent.Timeout = 0

	var err error = cfg.Validate()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) != 2 {
		t.Fatalf("err = %v", err)
	}
	if !strings.HasPrefix(err.Error(), "2 validation errors") {
		t.Errorf("message = %q", err.Error())
	}
}
