package behavior

import (
	"context"
	"fmt"

	"github.com/mpataki/foreman/internal/lua"
	"github.com/mpataki/foreman/internal/models"
)

// Conditions evaluates checkpoint and trigger rules. A rule fires when its
// trailing token matches or its Lua condition is truthy.
type Conditions struct {
	runtime *lua.Runtime
}

func NewConditions(runtime *lua.Runtime) *Conditions {
	if runtime == nil {
		runtime = lua.NewRuntime(nil)
	}
	return &Conditions{runtime: runtime}
}

// ShouldCheckpoint reports whether the workflow should pause. A checkpoint
// with neither trigger nor condition always pauses.
func (c *Conditions) ShouldCheckpoint(ctx context.Context, cp *models.CheckpointBehavior, output string, env lua.Env) (bool, error) {
	if cp == nil {
		return false, nil
	}
	if cp.Trigger == "" && cp.Condition == "" {
		return true, nil
	}
	return c.match(ctx, cp.Trigger, cp.Condition, output, env)
}

// ShouldTrigger reports whether the dependent agent should be spawned.
func (c *Conditions) ShouldTrigger(ctx context.Context, tb *models.TriggerBehavior, output string, env lua.Env) (bool, error) {
	if tb == nil {
		return false, nil
	}
	return c.match(ctx, tb.Trigger, tb.Condition, output, env)
}

func (c *Conditions) match(ctx context.Context, token, condition, output string, env lua.Env) (bool, error) {
	if token != "" && MatchesTrailingToken(output, token) {
		return true, nil
	}
	if condition == "" {
		return false, nil
	}

	env.Output = StripANSI(output)
	ok, err := c.runtime.Evaluate(ctx, condition, env)
	if err != nil {
		return false, fmt.Errorf("condition: %w", err)
	}
	return ok, nil
}
