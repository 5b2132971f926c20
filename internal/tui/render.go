package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/monitor"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

// Row is one line of a flattened agent tree.
type Row struct {
	Agent *models.AgentRecord
	Depth int
}

// Flatten walks the forest depth-first.
func Flatten(nodes []*monitor.AgentNode) []Row {
	var rows []Row
	for _, n := range nodes {
		n.Walk(func(node *monitor.AgentNode, depth int) {
			rows = append(rows, Row{Agent: node.Agent, Depth: depth})
		})
	}
	return rows
}

// RenderTree renders the forest with one agent per line, children
// indented under their parent.
func RenderTree(nodes []*monitor.AgentNode) string {
	var b strings.Builder
	for _, r := range Flatten(nodes) {
		b.WriteString(FormatRow(r))
		b.WriteString("\n")
	}
	return b.String()
}

func FormatRow(r Row) string {
	prefix := ""
	if r.Depth > 0 {
		prefix = strings.Repeat("  ", r.Depth-1) + "└─ "
	}
	a := r.Agent
	return fmt.Sprintf("%s#%-4d %-20s %s  %s", prefix, a.ID, truncate(a.Name, 20), FormatStatus(a.Status), dimStyle.Render(agentDuration(a)))
}

func FormatStatus(status models.AgentStatus) string {
	switch status {
	case models.AgentStatusRunning:
		return statusRunning.Render("● running")
	case models.AgentStatusCompleted:
		return statusComplete.Render("✓ completed")
	case models.AgentStatusFailed:
		return statusFailed.Render("✗ failed")
	default:
		return string(status)
	}
}

// FormatDetail renders every field of an agent record.
func FormatDetail(a *models.AgentRecord) string {
	var b strings.Builder
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value)
		}
	}

	b.WriteString(titleStyle.Render(fmt.Sprintf("Agent #%d: %s", a.ID, a.Name)) + "  " + FormatStatus(a.Status) + "\n\n")
	field("Engine", a.Engine)
	field("Model", a.ModelName)
	if a.ParentID != nil {
		field("Parent", fmt.Sprintf("#%d", *a.ParentID))
	}
	if len(a.Children) > 0 {
		ids := make([]string, len(a.Children))
		for i, c := range a.Children {
			ids[i] = fmt.Sprintf("#%d", c)
		}
		field("Children", strings.Join(ids, ", "))
	}
	if a.PID != nil {
		field("PID", fmt.Sprintf("%d", *a.PID))
	}
	field("Started", a.StartTime.Local().Format(time.DateTime))
	field("Duration", agentDuration(a))
	if t := a.Telemetry; t != nil {
		field("Tokens", fmt.Sprintf("in %d / out %d / cached %d", t.TokensIn, t.TokensOut, t.CachedTokens))
		if t.Cost > 0 {
			field("Cost", fmt.Sprintf("$%.4f", t.Cost))
		}
	}
	field("Log", a.LogPath)
	if a.Error != "" {
		field("Error", statusFailed.Render(a.Error))
	}

	if p := strings.TrimSpace(a.Prompt); p != "" {
		b.WriteString("\n" + labelStyle.Render("Prompt") + "\n" + truncateLines(p, 12) + "\n")
	}
	return b.String()
}

func agentDuration(a *models.AgentRecord) string {
	if a.Duration != nil {
		return formatDuration(*a.Duration)
	}
	if a.Status == models.AgentStatusRunning {
		return formatDuration(time.Since(a.StartTime)) + "..."
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func truncateLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + "\n" + dimStyle.Render(fmt.Sprintf("(%d more lines)", len(lines)-n))
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
