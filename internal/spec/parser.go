// Package spec loads workflow templates and the agent catalog from YAML.
package spec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/foreman/internal/models"
)

var ErrAgentNotFound = errors.New("agent not found")

type templateFile struct {
	Name  string     `yaml:"name"`
	Steps []stepFile `yaml:"steps"`
}

type stepFile struct {
	ID          string        `yaml:"id"`
	Type        string        `yaml:"type"`
	Agent       string        `yaml:"agent"`
	Name        string        `yaml:"name"`
	PromptPath  string        `yaml:"prompt_path"`
	Model       string        `yaml:"model"`
	Engine      string        `yaml:"engine"`
	ExecuteOnce bool          `yaml:"execute_once"`
	Fallback    string        `yaml:"fallback"`
	Text        string        `yaml:"text"`
	Behavior    *behaviorFile `yaml:"behavior"`
}

type behaviorFile struct {
	Loop *struct {
		Trigger       string   `yaml:"trigger"`
		StepsBack     int      `yaml:"steps_back"`
		MaxIterations int      `yaml:"max_iterations"`
		Skip          []string `yaml:"skip"`
	} `yaml:"loop"`
	Checkpoint *struct {
		Trigger   string `yaml:"trigger"`
		Condition string `yaml:"condition"`
	} `yaml:"checkpoint"`
	Trigger *struct {
		Trigger   string `yaml:"trigger"`
		Condition string `yaml:"condition"`
		Agent     string `yaml:"agent"`
	} `yaml:"trigger"`
}

// ParseTemplate reads a workflow template. Relative prompt paths are
// resolved against the template's directory.
func ParseTemplate(path string) (*models.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow template: %w", err)
	}

	var raw templateFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}

	tpl := &models.WorkflowTemplate{Name: raw.Name, Path: path}
	if tpl.Name == "" {
		tpl.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	baseDir := filepath.Dir(path)
	for i, s := range raw.Steps {
		step, err := convertStep(s, baseDir)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		tpl.Steps = append(tpl.Steps, step)
	}

	if err := Validate(tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

func convertStep(s stepFile, baseDir string) (models.WorkflowStep, error) {
	step := models.WorkflowStep{
		Type:            models.StepType(s.Type),
		AgentID:         s.Agent,
		AgentName:       s.Name,
		PromptPath:      resolvePath(baseDir, s.PromptPath),
		Model:           s.Model,
		Engine:          s.Engine,
		ExecuteOnce:     s.ExecuteOnce,
		FallbackAgentID: s.Fallback,
		Text:            s.Text,
	}
	if step.Type == "" {
		step.Type = models.StepTypeModule
	}
	if step.Type == models.StepTypeUI {
		return step, nil
	}

	moduleID := s.ID
	if moduleID == "" {
		moduleID = s.Agent
	}
	step.Module = &models.StepModule{ID: moduleID}

	if s.Behavior == nil {
		return step, nil
	}

	var set []*models.Behavior
	b := s.Behavior
	if b.Loop != nil {
		set = append(set, &models.Behavior{Type: models.BehaviorLoop, Loop: &models.LoopBehavior{
			Trigger:       b.Loop.Trigger,
			StepsBack:     b.Loop.StepsBack,
			MaxIterations: b.Loop.MaxIterations,
			Skip:          b.Loop.Skip,
		}})
	}
	if b.Checkpoint != nil {
		set = append(set, &models.Behavior{Type: models.BehaviorCheckpoint, Checkpoint: &models.CheckpointBehavior{
			Trigger:   b.Checkpoint.Trigger,
			Condition: resolveCondition(baseDir, b.Checkpoint.Condition),
		}})
	}
	if b.Trigger != nil {
		set = append(set, &models.Behavior{Type: models.BehaviorTrigger, Trigger: &models.TriggerBehavior{
			Trigger:   b.Trigger.Trigger,
			Condition: resolveCondition(baseDir, b.Trigger.Condition),
			AgentID:   b.Trigger.Agent,
		}})
	}

	if len(set) != 1 {
		return step, fmt.Errorf("behavior must declare exactly one of loop, checkpoint, trigger (got %d)", len(set))
	}
	step.Module.Behavior = set[0]
	return step, nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func resolveCondition(baseDir, cond string) string {
	trimmed := strings.TrimSpace(cond)
	if strings.HasSuffix(trimmed, ".lua") && !strings.Contains(trimmed, "\n") {
		return resolvePath(baseDir, trimmed)
	}
	return cond
}

// Validate checks structural rules that YAML decoding can't express.
func Validate(tpl *models.WorkflowTemplate) error {
	if len(tpl.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", tpl.Name)
	}

	for i, step := range tpl.Steps {
		switch step.Type {
		case models.StepTypeUI:
			continue
		case models.StepTypeModule:
		default:
			return fmt.Errorf("step %d: unknown type %q", i, step.Type)
		}

		if step.AgentID == "" {
			return fmt.Errorf("step %d: module step must name an agent", i)
		}

		b := step.Behavior()
		if b == nil {
			continue
		}
		switch b.Type {
		case models.BehaviorLoop:
			if b.Loop.Trigger == "" {
				return fmt.Errorf("step %d: loop needs a trigger", i)
			}
			if b.Loop.StepsBack < 0 || b.Loop.StepsBack > i {
				return fmt.Errorf("step %d: steps_back %d reaches before the first step", i, b.Loop.StepsBack)
			}
			if b.Loop.MaxIterations < 0 {
				return fmt.Errorf("step %d: max_iterations must not be negative", i)
			}
		case models.BehaviorTrigger:
			if b.Trigger.AgentID == "" {
				return fmt.Errorf("step %d: trigger must name an agent", i)
			}
			if b.Trigger.Trigger == "" && b.Trigger.Condition == "" {
				return fmt.Errorf("step %d: trigger needs a trigger token or condition", i)
			}
		}
	}
	return nil
}

// LoadAll parses every template in dirs, keyed by template name. Later
// directories override earlier ones.
func LoadAll(dirs []string) (map[string]*models.WorkflowTemplate, error) {
	templates := make(map[string]*models.WorkflowTemplate)

	for _, dir := range dirs {
		if err := loadFromDir(dir, templates); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return templates, nil
}

func loadFromDir(dir string, templates map[string]*models.WorkflowTemplate) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		tpl, err := ParseTemplate(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		templates[tpl.Name] = tpl
	}

	return nil
}
