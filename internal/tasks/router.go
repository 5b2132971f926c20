package tasks

import (
	"regexp"
	"strings"

	"github.com/mpataki/foreman/internal/models"
)

// Route sends tasks mentioning any of Keywords to Agent.
type Route struct {
	Agent    string   `mapstructure:"agent" yaml:"agent"`
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`
}

// DefaultRoutes apply when no routes are configured.
var DefaultRoutes = []Route{
	{Agent: "frontend", Keywords: []string{"frontend", "ui", "ux", "css", "component", "react"}},
	{Agent: "tester", Keywords: []string{"test", "tests", "qa", "e2e"}},
	{Agent: "docs", Keywords: []string{"docs", "documentation", "readme"}},
}

const DefaultAgent = "coder"

// Router picks an agent from keywords in a task's phase, then its name and
// details. Routes are tried in order; the first hit wins.
type Router struct {
	routes       []Route
	defaultAgent string
	words        *regexp.Regexp
}

func NewRouter(routes []Route, defaultAgent string) *Router {
	if len(routes) == 0 {
		routes = DefaultRoutes
	}
	if defaultAgent == "" {
		defaultAgent = DefaultAgent
	}
	return &Router{
		routes:       routes,
		defaultAgent: defaultAgent,
		words:        regexp.MustCompile(`[a-z0-9]+`),
	}
}

func (r *Router) Route(t models.TaskItem) string {
	// Phase is the stronger signal, so it is matched on its own first.
	for _, text := range []string{t.Phase, t.Name + " " + t.Details} {
		words := r.wordSet(text)
		for _, route := range r.routes {
			for _, kw := range route.Keywords {
				if words[strings.ToLower(kw)] {
					return route.Agent
				}
			}
		}
	}
	return r.defaultAgent
}

func (r *Router) wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range r.words.FindAllString(strings.ToLower(text), -1) {
		set[w] = true
	}
	return set
}
