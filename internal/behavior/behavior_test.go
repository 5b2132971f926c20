package behavior

import (
	"context"
	"strings"
	"testing"

	"github.com/mpataki/foreman/internal/lua"
	"github.com/mpataki/foreman/internal/models"
)

func TestEvaluateLoopNoBehavior(t *testing.T) {
	if d := EvaluateLoop(nil, "REPEAT", 0); d != nil {
		t.Errorf("expected nil decision, got %+v", d)
	}
}

func TestEvaluateLoop(t *testing.T) {
	loop := &models.LoopBehavior{Trigger: "NEEDS_WORK", StepsBack: 2, MaxIterations: 3}

	t.Run("unmatched", func(t *testing.T) {
		d := EvaluateLoop(loop, "all good\nDONE", 0)
		if d == nil || d.ShouldRepeat || d.StepsBack != 2 || d.Reason != "" {
			t.Errorf("decision = %+v", d)
		}
	})

	t.Run("cap enforced after three repeats", func(t *testing.T) {
		var repeats int
		for iteration := 0; iteration < 10; iteration++ {
			d := EvaluateLoop(loop, "review done\nNEEDS_WORK\n", iteration)
			if !d.ShouldRepeat {
				if !strings.Contains(d.Reason, "loop limit reached") {
					t.Errorf("reason = %q", d.Reason)
				}
				break
			}
			repeats++
		}
		if repeats != 3 {
			t.Errorf("repeated %d times, want 3", repeats)
		}
	})

	t.Run("unbounded", func(t *testing.T) {
		unbounded := &models.LoopBehavior{Trigger: "AGAIN", StepsBack: 1}
		if d := EvaluateLoop(unbounded, "AGAIN", 1000); !d.ShouldRepeat {
			t.Errorf("unbounded loop stopped: %+v", d)
		}
	})
}

func TestMatchesTrailingToken(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"plain", "work\nNEEDS_WORK", true},
		{"trailing blank lines", "work\nNEEDS_WORK\n\n  \n", true},
		{"ansi colored", "work\n\x1b[1;31mNEEDS_WORK\x1b[0m\n", true},
		{"carriage returns", "work\r\nNEEDS_WORK\r\n", true},
		{
			"telemetry suffix",
			"work\nNEEDS_WORK\n[telemetry] tokens_in=10 tokens_out=4\n2024-05-01T10:00:00Z done in 4s\nTokens: 1200 in / 300 out\nCost: $0.04\n[12:01:05] session closed\n",
			true,
		},
		{"token not last", "NEEDS_WORK\nbut then more work", false},
		{"token inside line", "this NEEDS_WORK badly", false},
		{"empty output", "", false},
		{"only telemetry", "[telemetry] cost=1\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesTrailingToken(tt.output, "NEEDS_WORK"); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if MatchesTrailingToken("anything", "  ") {
		t.Error("blank token must never match")
	}
}

func TestConditions(t *testing.T) {
	c := NewConditions(lua.NewRuntime(nil))
	ctx := context.Background()

	t.Run("checkpoint without rules always pauses", func(t *testing.T) {
		ok, err := c.ShouldCheckpoint(ctx, &models.CheckpointBehavior{}, "x", lua.Env{})
		if err != nil || !ok {
			t.Errorf("got %v, %v", ok, err)
		}
	})

	t.Run("checkpoint trigger token", func(t *testing.T) {
		cp := &models.CheckpointBehavior{Trigger: "REVIEW"}
		if ok, _ := c.ShouldCheckpoint(ctx, cp, "done\nREVIEW", lua.Env{}); !ok {
			t.Error("expected pause")
		}
		if ok, _ := c.ShouldCheckpoint(ctx, cp, "done", lua.Env{}); ok {
			t.Error("unexpected pause")
		}
	})

	t.Run("checkpoint lua condition sees stripped output", func(t *testing.T) {
		cp := &models.CheckpointBehavior{Condition: `return output == "red"`}
		ok, err := c.ShouldCheckpoint(ctx, cp, "\x1b[31mred\x1b[0m", lua.Env{})
		if err != nil || !ok {
			t.Errorf("got %v, %v", ok, err)
		}
	})

	t.Run("trigger condition error", func(t *testing.T) {
		tb := &models.TriggerBehavior{Condition: `return (`, AgentID: "x"}
		if _, err := c.ShouldTrigger(ctx, tb, "out", lua.Env{}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("trigger token or condition", func(t *testing.T) {
		tb := &models.TriggerBehavior{Trigger: "PUBLISH", Condition: `return context().step == 4`, AgentID: "publisher"}
		if ok, _ := c.ShouldTrigger(ctx, tb, "PUBLISH", lua.Env{}); !ok {
			t.Error("token should trigger")
		}
		if ok, _ := c.ShouldTrigger(ctx, tb, "nope", lua.Env{StepIndex: 4}); !ok {
			t.Error("condition should trigger")
		}
		if ok, _ := c.ShouldTrigger(ctx, tb, "nope", lua.Env{StepIndex: 1}); ok {
			t.Error("nothing should trigger")
		}
	})

	t.Run("nil behaviors", func(t *testing.T) {
		if ok, _ := c.ShouldCheckpoint(ctx, nil, "x", lua.Env{}); ok {
			t.Error("nil checkpoint should not pause")
		}
		if ok, _ := c.ShouldTrigger(ctx, nil, "x", lua.Env{}); ok {
			t.Error("nil trigger should not fire")
		}
	})
}
