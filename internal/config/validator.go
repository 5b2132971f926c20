package config

import (
	"fmt"
	"slices"
	"strings"
)

type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Validate returns every problem found. A nil result means the config is
// usable.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.DataDir == "" {
		add("data_dir", c.DataDir, "must not be empty")
	}
	if !slices.Contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(validLogLevels, ", "))
	}
	if c.Agent.Timeout <= 0 {
		add("agent.timeout", c.Agent.Timeout, "must be positive")
	}
	if c.Agent.AuthCacheTTL < 0 {
		add("agent.auth_cache_ttl", c.Agent.AuthCacheTTL, "must not be negative")
	}

	if len(c.Engines) == 0 {
		add("engines", nil, "at least one engine is required")
	}
	seen := make(map[string]bool)
	for i, e := range c.Engines {
		field := fmt.Sprintf("engines[%d]", i)
		if e.ID == "" {
			add(field+".id", e.ID, "must not be empty")
		} else if seen[e.ID] {
			add(field+".id", e.ID, "duplicate engine id")
		}
		seen[e.ID] = true
		if strings.TrimSpace(e.Command) == "" {
			add(field+".command", e.Command, "must not be empty")
		}
	}
	if c.DefaultEngine != "" && len(c.Engines) > 0 && !seen[c.DefaultEngine] {
		add("default_engine", c.DefaultEngine, "does not name a configured engine")
	}

	if c.Tasks.MaxAttempts < 1 {
		add("tasks.max_attempts", c.Tasks.MaxAttempts, "must be at least 1")
	}
	if c.Tasks.VerifyTimeout <= 0 {
		add("tasks.verify_timeout", c.Tasks.VerifyTimeout, "must be positive")
	}
	for i, r := range c.Tasks.Routes {
		if r.Agent == "" || len(r.Keywords) == 0 {
			add(fmt.Sprintf("tasks.routes[%d]", i), r, "needs an agent and at least one keyword")
		}
	}

	return errs
}
