// Package engine adapts external coding-agent binaries.
//
// An Engine runs one prompt to completion, streaming output through
// callbacks and returning the buffered stdout when the process exits.
// Engines are chosen per invocation by Registry.Select, which consults an
// AuthCache so repeated selections do not re-probe authentication.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/foreman/internal/models"
)

var (
	ErrNoEngine         = errors.New("no engine available")
	ErrNotAuthenticated = errors.New("engine not authenticated")
	// ErrTimeout is returned when the invocation's own timeout expires.
	// It is an ordinary failure, unlike cancellation of the caller's context.
	ErrTimeout = errors.New("engine timed out")
)

// ExitError reports a non-zero exit from the engine process.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("engine exited with code %d", e.Code)
	}
	if len(msg) > 500 {
		msg = msg[len(msg)-500:]
	}
	return fmt.Sprintf("engine exited with code %d: %s", e.Code, msg)
}

type Engine interface {
	ID() string
	Name() string
	Run(ctx context.Context, opts RunOptions) (*Result, error)
	IsAuthenticated(ctx context.Context) bool
}

type RunOptions struct {
	Prompt     string
	WorkingDir string
	Model      string
	Env        map[string]string
	Timeout    time.Duration // 0 = no timeout

	OnData      func(chunk string)
	OnErrorData func(chunk string)
	OnTelemetry func(t models.Telemetry)
	OnStart     func(pid int)
}

type Result struct {
	Stdout    string
	Stderr    string
	Telemetry models.Telemetry
}
