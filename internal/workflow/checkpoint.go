package workflow

import (
	"context"

	"github.com/mpataki/foreman/internal/workspace"
)

type Decision int

const (
	DecisionContinue Decision = iota
	DecisionQuit
)

func (d Decision) String() string {
	if d == DecisionQuit {
		return "quit"
	}
	return "continue"
}

// CheckpointWaiter blocks until a human resolves a checkpoint. There is no
// timeout; only ctx ends the wait early.
type CheckpointWaiter interface {
	WaitCheckpoint(ctx context.Context, step StepState) (Decision, error)
}

// SignalWaiter resolves checkpoints from workspace signals, typically
// Watcher.Checkpoints().
type SignalWaiter struct {
	Signals <-chan workspace.Signal
}

func (w SignalWaiter) WaitCheckpoint(ctx context.Context, _ StepState) (Decision, error) {
	for {
		select {
		case <-ctx.Done():
			return DecisionQuit, ctx.Err()
		case sig, ok := <-w.Signals:
			if !ok {
				return DecisionQuit, ErrStopped
			}
			switch sig {
			case workspace.SignalQuit:
				return DecisionQuit, nil
			case workspace.SignalContinue:
				return DecisionContinue, nil
			}
		}
	}
}

// AutoContinue never pauses. Used for unattended runs.
type AutoContinue struct{}

func (AutoContinue) WaitCheckpoint(context.Context, StepState) (Decision, error) {
	return DecisionContinue, nil
}
