package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mpataki/foreman/internal/logging"
)

var placeholderToken = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

// Templates resolves `{name}` placeholders. Each placeholder names a file:
// in paths the token is replaced by that file's path, in prompt templates
// by its contents.
type Templates struct {
	placeholders map[string]string
	workDir      string
	logger       *logging.Logger
}

func NewTemplates(placeholders map[string]string, workDir string, logger *logging.Logger) *Templates {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Templates{placeholders: placeholders, workDir: workDir, logger: logger}
}

func (t *Templates) abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(t.workDir, p)
}

// ResolvePath substitutes placeholders in an input path and makes it
// absolute against the working directory. Unknown placeholders are left
// literal.
func (t *Templates) ResolvePath(p string) string {
	resolved := placeholderToken.ReplaceAllStringFunc(p, func(tok string) string {
		name := tok[1 : len(tok)-1]
		if target, ok := t.placeholders[name]; ok {
			return target
		}
		t.logger.Warn("unresolved placeholder in path, using literal", "placeholder", name, "path", p)
		return tok
	})
	return t.abs(resolved)
}

// Process replaces placeholders in template text with the contents of the
// files they name. Unreadable or unknown placeholders stay as-is.
func (t *Templates) Process(text string) string {
	return placeholderToken.ReplaceAllStringFunc(text, func(tok string) string {
		name := tok[1 : len(tok)-1]
		target, ok := t.placeholders[name]
		if !ok {
			return tok
		}
		data, err := os.ReadFile(t.abs(target))
		if err != nil {
			t.logger.Warn("failed to load placeholder", "placeholder", name, "path", target, "error", err.Error())
			return tok
		}
		return strings.TrimRight(string(data), "\n")
	})
}

// Load reads a prompt template and processes its placeholders. An empty
// path yields an empty template.
func (t *Templates) Load(promptPath string) (string, error) {
	if promptPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(t.abs(promptPath))
	if err != nil {
		return "", fmt.Errorf("failed to load prompt template: %w", err)
	}
	return t.Process(string(data)), nil
}

// BuildPrompt assembles the composite prompt: template, then input files,
// then the request. Blank sections are omitted.
func BuildPrompt(template, inputs, request string) string {
	var parts []string
	if strings.TrimSpace(template) != "" {
		parts = append(parts, strings.TrimSpace(template))
	}
	if strings.TrimSpace(inputs) != "" {
		parts = append(parts, "[INPUT FILES]\n"+inputs)
	}
	if strings.TrimSpace(request) != "" {
		parts = append(parts, "[REQUEST]\n"+request)
	}
	return strings.Join(parts, "\n\n")
}
