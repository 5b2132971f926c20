// Package dsl parses coordination scripts into execution plans.
//
// A script is a list of agent commands joined by "&" (run in parallel) or
// "&&" (run in sequence, stopping at the first failure):
//
//	planner 'outline the work' && coder 'build it' & tester 'write tests'
//
// "&&" always binds loosest. When any "&&" segment itself contains "&", every
// segment becomes its own group: segments with "&" run in parallel, the rest
// are single-command sequential groups. Commands may carry options:
//
//	reviewer[input:spec.md;plan.md, tail:200] 'summarize the risks'
package dsl

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mpataki/foreman/internal/models"
)

var ErrEmptyScript = errors.New("empty script")

// ParseError names the fragment of the script that could not be parsed.
type ParseError struct {
	Fragment string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid command %q: %s", e.Fragment, e.Reason)
}

// Parse turns a script into a plan. It has no side effects.
func Parse(script string) (*models.CoordinationPlan, error) {
	script = strings.TrimSpace(script)
	if script == "" {
		return nil, ErrEmptyScript
	}

	segments := splitTopLevel(script, "&&")
	if len(segments) > 1 {
		mixed := false
		for _, seg := range segments {
			if containsTopLevel(seg, "&") {
				mixed = true
				break
			}
		}
		if mixed {
			return parseMixed(segments)
		}
		return parseGroup(models.ModeSequential, script, segments)
	}

	if parts := splitTopLevel(script, "&"); len(parts) > 1 {
		return parseGroup(models.ModeParallel, script, parts)
	}
	return parseGroup(models.ModeSequential, script, []string{script})
}

func parseGroup(mode models.ExecutionMode, source string, fragments []string) (*models.CoordinationPlan, error) {
	group, err := buildGroup(mode, source, fragments)
	if err != nil {
		return nil, err
	}
	return &models.CoordinationPlan{Groups: []models.CommandGroup{group}}, nil
}

func parseMixed(segments []string) (*models.CoordinationPlan, error) {
	plan := &models.CoordinationPlan{}
	for _, seg := range segments {
		mode := models.ModeSequential
		fragments := []string{seg}
		if parts := splitTopLevel(seg, "&"); len(parts) > 1 {
			mode = models.ModeParallel
			fragments = parts
		}

		group, err := buildGroup(mode, strings.TrimSpace(seg), fragments)
		if err != nil {
			return nil, err
		}
		plan.Groups = append(plan.Groups, group)
	}
	return plan, nil
}

// buildGroup parses the fragments split from source. An empty fragment is
// reported against source since it has no text of its own.
func buildGroup(mode models.ExecutionMode, source string, fragments []string) (models.CommandGroup, error) {
	group := models.CommandGroup{Mode: mode}
	for i, frag := range fragments {
		if strings.TrimSpace(frag) == "" {
			return group, &ParseError{
				Fragment: source,
				Reason:   fmt.Sprintf("empty command (command %d of %d)", i+1, len(fragments)),
			}
		}
		cmd, err := ParseCommand(frag)
		if err != nil {
			return group, err
		}
		group.Commands = append(group.Commands, cmd)
	}
	return group, nil
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*`)

// ParseCommand parses a single `name[options] prompt` fragment.
func ParseCommand(fragment string) (models.AgentCommand, error) {
	text := strings.TrimSpace(fragment)
	if text == "" {
		return models.AgentCommand{}, &ParseError{Fragment: fragment, Reason: "empty command"}
	}

	name := namePattern.FindString(text)
	if name == "" {
		return models.AgentCommand{}, &ParseError{Fragment: text, Reason: "missing agent name"}
	}
	cmd := models.AgentCommand{Name: name}
	rest := text[len(name):]

	var bracketPrompt *string
	if strings.HasPrefix(rest, "[") {
		end := findClosingBracket(rest, 0)
		if end < 0 {
			return cmd, &ParseError{Fragment: text, Reason: "unclosed option bracket"}
		}
		p, err := applyOptions(&cmd, rest[1:end])
		if err != nil {
			return cmd, &ParseError{Fragment: text, Reason: err.Error()}
		}
		bracketPrompt = p
		rest = rest[end+1:]
	} else if rest != "" && !startsWithSpace(rest) {
		return cmd, &ParseError{Fragment: text, Reason: "agent name must be followed by whitespace before the prompt"}
	}

	trailing := strings.TrimSpace(rest)
	if trailing != "" {
		prompt, ok := unquote(trailing)
		if !ok {
			return cmd, &ParseError{Fragment: text, Reason: "unterminated quoted prompt"}
		}
		cmd.Prompt = prompt
	}

	// A bracket prompt wins over trailing text.
	if bracketPrompt != nil {
		cmd.Prompt = *bracketPrompt
	}
	return cmd, nil
}

func startsWithSpace(s string) bool {
	switch s[0] {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// applyOptions fills cmd from a `key:value, key:value` list and returns the
// bracket prompt, if any.
func applyOptions(cmd *models.AgentCommand, body string) (*string, error) {
	var prompt *string
	for _, entry := range splitTopLevel(body, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		key, value, hasValue := strings.Cut(entry, ":")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, fmt.Errorf("option %q has no key", entry)
		}

		unq, ok := unquote(value)
		if !ok {
			return nil, fmt.Errorf("option %q has an unterminated quote", key)
		}

		switch key {
		case "input":
			for _, p := range strings.Split(unq, ";") {
				if p = strings.TrimSpace(p); p != "" {
					cmd.Input = append(cmd.Input, p)
				}
			}
		case "tail":
			// Invalid values are dropped
			if n, err := strconv.Atoi(unq); err == nil && n > 0 {
				cmd.Tail = n
			}
		case "prompt":
			p := unq
			prompt = &p
		default:
			if cmd.Options == nil {
				cmd.Options = make(map[string]any)
			}
			if !hasValue {
				cmd.Options[key] = true
			} else {
				cmd.Options[key] = unq
			}
		}
	}
	return prompt, nil
}
