package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mpataki/foreman/internal/models"
)

// CommandConfig describes an engine backed by a local binary.
type CommandConfig struct {
	ID          string
	Name        string
	Command     string
	Args        []string
	AuthCommand string // run with sh -c; empty means always authenticated
	Model       string
	ModelFlag   string // defaults to --model
	Env         map[string]string
}

// CommandEngine feeds the prompt on stdin and streams stdout/stderr line by
// line. The process runs in its own process group so cancellation reaches
// any children it spawns.
type CommandEngine struct {
	cfg CommandConfig
}

func NewCommandEngine(cfg CommandConfig) *CommandEngine {
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.ModelFlag == "" {
		cfg.ModelFlag = "--model"
	}
	return &CommandEngine{cfg: cfg}
}

func (e *CommandEngine) ID() string   { return e.cfg.ID }
func (e *CommandEngine) Name() string { return e.cfg.Name }

func (e *CommandEngine) IsAuthenticated(ctx context.Context) bool {
	if e.cfg.AuthCommand == "" {
		return true
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", e.cfg.AuthCommand)
	cmd.Env = e.environ(nil)
	return cmd.Run() == nil
}

func (e *CommandEngine) args(model string) []string {
	args := append([]string(nil), e.cfg.Args...)
	if model == "" {
		model = e.cfg.Model
	}
	if model != "" {
		args = append(args, e.cfg.ModelFlag, model)
	}
	return args
}

func (e *CommandEngine) environ(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range e.cfg.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (e *CommandEngine) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.Command(e.cfg.Command, e.args(opts.Model)...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = e.environ(opts.Env)
	cmd.Stdin = strings.NewReader(opts.Prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", e.cfg.Command, err)
	}
	if opts.OnStart != nil {
		opts.OnStart(cmd.Process.Pid)
	}

	var (
		outBuf, errBuf strings.Builder
		telemetry      models.Telemetry
		telemetryMu    sync.Mutex
	)

	var readers errgroup.Group
	readers.Go(func() error {
		return streamLines(stdout, func(line string) {
			outBuf.WriteString(line)
			if opts.OnData != nil {
				opts.OnData(line)
			}
			if t, ok := ParseTelemetryLine(line); ok {
				telemetryMu.Lock()
				telemetry.Merge(t)
				total := telemetry
				telemetryMu.Unlock()
				if opts.OnTelemetry != nil {
					opts.OnTelemetry(total)
				}
			}
		})
	})
	readers.Go(func() error {
		return streamLines(stderr, func(line string) {
			errBuf.WriteString(line)
			if opts.OnErrorData != nil {
				opts.OnErrorData(line)
			}
		})
	})

	done := make(chan error, 1)
	go func() {
		readErr := readers.Wait()
		waitErr := cmd.Wait()
		if waitErr == nil {
			waitErr = readErr
		}
		done <- waitErr
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s after %s: %w", e.cfg.ID, opts.Timeout, ErrTimeout)
	}

	result := &Result{Stdout: outBuf.String(), Stderr: errBuf.String(), Telemetry: telemetry}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return result, &ExitError{Code: exitErr.ExitCode(), Stderr: result.Stderr}
		}
		return result, waitErr
	}
	return result, nil
}

// streamLines delivers r line by line, newline included. A final partial
// line is delivered as-is.
func streamLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			fn(line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
