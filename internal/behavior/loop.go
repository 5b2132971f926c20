// Package behavior evaluates the control-flow rules attached to workflow
// steps: loop-back, checkpoint pauses and triggered agents.
package behavior

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/mpataki/foreman/internal/models"
)

// LoopDecision is the result of evaluating a loop behavior.
type LoopDecision struct {
	ShouldRepeat bool
	StepsBack    int
	Reason       string
}

// EvaluateLoop decides whether a step should loop back. iterations is the
// number of repeats this step has already taken in the current run. A nil
// behavior returns nil, which is distinct from a decision not to repeat.
func EvaluateLoop(b *models.LoopBehavior, output string, iterations int) *LoopDecision {
	if b == nil {
		return nil
	}

	d := &LoopDecision{StepsBack: b.StepsBack}
	if !MatchesTrailingToken(output, b.Trigger) {
		return d
	}

	if b.MaxIterations > 0 && iterations >= b.MaxIterations {
		d.Reason = fmt.Sprintf("%s loop limit reached (%d/%d)", b.Trigger, iterations, b.MaxIterations)
		return d
	}

	d.ShouldRepeat = true
	d.Reason = fmt.Sprintf("%s detected, rewinding %d step(s) (iteration %d)", b.Trigger, b.StepsBack, iterations+1)
	return d
}

// Lines engines append after the real output: timestamps, token counts,
// cost and duration summaries.
var telemetryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\[telemetry\]`),
	regexp.MustCompile(`^\[?\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}`),
	regexp.MustCompile(`^\[\d{1,2}:\d{2}(:\d{2})?(\.\d+)?\]`),
	regexp.MustCompile(`(?i)^(total\s+)?(tokens?|input tokens|output tokens|cached tokens|cost|duration|elapsed)\b[^:=]*[:=]`),
}

func isTelemetryLine(line string) bool {
	for _, p := range telemetryPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// MatchesTrailingToken reports whether the last substantive line of output
// is exactly token. ANSI sequences are stripped first; blank lines and
// telemetry lines at the end are skipped.
func MatchesTrailingToken(output, token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}

	lines := strings.Split(StripANSI(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || isTelemetryLine(line) {
			continue
		}
		return line == token
	}
	return false
}

// StripANSI removes terminal escape sequences and carriage returns.
func StripANSI(s string) string {
	return strings.ReplaceAll(ansi.Strip(s), "\r", "")
}
