package spec

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mpataki/foreman/internal/models"
)

// Catalog maps agent ids to their definitions.
type Catalog struct {
	agents []models.AgentDefinition
	byID   map[string]models.AgentDefinition
}

func NewCatalog(defs ...models.AgentDefinition) *Catalog {
	c := &Catalog{byID: make(map[string]models.AgentDefinition)}
	for _, d := range defs {
		if _, dup := c.byID[d.ID]; !dup {
			c.agents = append(c.agents, d)
		}
		c.byID[d.ID] = d
	}
	return c
}

// LoadCatalog reads an agents file:
//
//	agents:
//	  - id: planner
//	    name: Planner
//	    prompt_path: prompts/planner.md
//
// A missing file yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewCatalog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var raw struct {
		Agents []models.AgentDefinition `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse agents YAML: %w", err)
	}

	baseDir := filepath.Dir(path)
	for i, d := range raw.Agents {
		if d.ID == "" {
			return nil, fmt.Errorf("agent %d in %s has no id", i, path)
		}
		raw.Agents[i].PromptPath = resolvePath(baseDir, d.PromptPath)
	}
	return NewCatalog(raw.Agents...), nil
}

func (c *Catalog) Get(id string) (models.AgentDefinition, error) {
	d, ok := c.byID[id]
	if !ok {
		return models.AgentDefinition{}, fmt.Errorf("agent %q: %w", id, ErrAgentNotFound)
	}
	return d, nil
}

func (c *Catalog) All() []models.AgentDefinition {
	return append([]models.AgentDefinition(nil), c.agents...)
}

// ResolveSteps fills step names, prompt paths, engines and models that the
// template left to the catalog. Unknown agents are an error.
func (c *Catalog) ResolveSteps(tpl *models.WorkflowTemplate) error {
	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		if step.Type == models.StepTypeUI {
			continue
		}

		def, err := c.Get(step.AgentID)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if step.AgentName == "" {
			step.AgentName = def.DisplayName()
		}
		if step.PromptPath == "" {
			step.PromptPath = def.PromptPath
		}
		if step.Engine == "" {
			step.Engine = def.Engine
		}
		if step.Model == "" {
			step.Model = def.Model
		}

		if step.FallbackAgentID != "" {
			if _, err := c.Get(step.FallbackAgentID); err != nil {
				return fmt.Errorf("step %d fallback: %w", i, err)
			}
		}
		if b := step.Behavior(); b != nil && b.Type == models.BehaviorTrigger {
			if _, err := c.Get(b.Trigger.AgentID); err != nil {
				return fmt.Errorf("step %d trigger: %w", i, err)
			}
		}
	}
	return nil
}
