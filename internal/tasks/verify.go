package tasks

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/mpataki/foreman/internal/logging"
)

const DefaultVerifyTimeout = 5 * time.Minute

const verificationHeading = "verification"

var (
	headingLine = regexp.MustCompile(`^\s{0,3}(#{1,6})\s+(.*?)\s*#*\s*$`)
	inlineCode  = regexp.MustCompile("`([^`\n]+)`")
	fenceLine   = regexp.MustCompile("^\\s*```")
)

// ExtractVerification returns the inline code spans found under a
// "Verification" heading in details, up to the next heading of the same or
// a higher level. Fenced code blocks are ignored.
func ExtractVerification(details string) []string {
	var commands []string
	level := 0
	inFence := false

	sc := bufio.NewScanner(strings.NewReader(details))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()

		if fenceLine.MatchString(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}

		if m := headingLine.FindStringSubmatch(line); m != nil {
			l := len(m[1])
			if level > 0 && l <= level {
				level = 0
			}
			if level == 0 && strings.EqualFold(strings.TrimSuffix(m[2], ":"), verificationHeading) {
				level = l
			}
			continue
		}
		if level == 0 {
			continue
		}

		for _, m := range inlineCode.FindAllStringSubmatch(line, -1) {
			if cmd := strings.TrimSpace(m[1]); cmd != "" {
				commands = append(commands, cmd)
			}
		}
	}
	return commands
}

type VerifyResult struct {
	Command  string
	ExitCode int
	Output   string
	Err      error // set when the command could not run or timed out
}

func (r VerifyResult) Passed() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Verifier runs verification commands with sh -c in the working directory.
type Verifier struct {
	workDir string
	timeout time.Duration
	logger  *logging.Logger
}

func NewVerifier(workDir string, timeout time.Duration, logger *logging.Logger) *Verifier {
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Verifier{workDir: workDir, timeout: timeout, logger: logger}
}

func (v *Verifier) Run(ctx context.Context, command string) VerifyResult {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = v.workDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	res := VerifyResult{Command: command}
	err := cmd.Run()
	res.Output = out.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Err = fmt.Errorf("timed out after %s", v.timeout)
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = err
	}

	v.logger.Debug("verification command finished", "command", command, "exit_code", res.ExitCode)
	return res
}

// RunAll runs commands in order and stops at the first failure, which it
// returns. It returns nil when every command passed.
func (v *Verifier) RunAll(ctx context.Context, commands []string) *VerifyResult {
	for _, c := range commands {
		res := v.Run(ctx, c)
		if !res.Passed() {
			return &res
		}
	}
	return nil
}
