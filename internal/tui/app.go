// Package tui is the interactive agent dashboard behind `foreman watch`.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/monitor"
)

// Source is the slice of the monitor the dashboard uses.
type Source interface {
	BuildAgentTree() ([]*monitor.AgentNode, error)
	QueryAgents(q monitor.Query) ([]*models.AgentRecord, error)
	GetAgent(id int64) (*models.AgentRecord, error)
	Kill(id int64) error
	ClearDescendants(id int64) (int, error)
}

type View int

const (
	ViewAgentList View = iota
	ViewAgentDetail
	ViewLog
)

const (
	refreshInterval = 2 * time.Second
	logTailLines    = 2000
)

type App struct {
	source Source

	view        View
	rows        []Row
	selectedIdx int
	selected    *models.AgentRecord

	filter    textinput.Model
	filtering bool
	logView   viewport.Model

	width  int
	height int
	status string
	err    error
}

func NewApp(source Source) *App {
	filter := textinput.New()
	filter.Placeholder = "name or glob, e.g. review*"
	filter.Prompt = "/ "
	filter.CharLimit = 64

	return &App{
		source:  source,
		view:    ViewAgentList,
		filter:  filter,
		logView: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadAgents, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.logView.Width = msg.Width
		a.logView.Height = max(msg.Height-4, 1)
		return a, nil

	case agentsLoadedMsg:
		a.rows = msg.rows
		a.err = msg.err
		if a.selectedIdx >= len(a.rows) {
			a.selectedIdx = max(len(a.rows)-1, 0)
		}
		return a, nil

	case tickMsg:
		// Running agents change state on their own, and liveness
		// correction only happens on read, so poll regardless.
		switch a.view {
		case ViewAgentList:
			return a, tea.Batch(a.loadAgents, a.tickCmd())
		case ViewAgentDetail:
			if a.selected != nil {
				return a, tea.Batch(a.loadDetail(a.selected.ID), a.tickCmd())
			}
		case ViewLog:
			if a.selected != nil && a.selected.Status == models.AgentStatusRunning {
				return a, tea.Batch(a.loadLog(a.selected), a.tickCmd())
			}
		}
		return a, a.tickCmd()

	case agentDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selected = msg.agent
			if a.view == ViewAgentList {
				a.view = ViewAgentDetail
			}
		}
		return a, nil

	case logLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		follow := a.view != ViewLog || a.logView.AtBottom()
		a.logView.SetContent(msg.content)
		if follow {
			a.logView.GotoBottom()
		}
		a.view = ViewLog
		return a, nil

	case agentKilledMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = fmt.Sprintf("killed agent #%d", msg.id)
		}
		return a, a.loadAgents

	case descendantsClearedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = fmt.Sprintf("cleared %d sub-agent(s) of #%d", msg.count, msg.id)
		}
		return a, a.loadAgents
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}
	switch a.view {
	case ViewAgentList:
		if a.filtering {
			return a.handleFilterKey(msg)
		}
		return a.handleListKey(msg)
	case ViewAgentDetail:
		return a.handleDetailKey(msg)
	case ViewLog:
		return a.handleLogKey(msg)
	}
	return a, nil
}

func (a *App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	a.status = ""
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.rows)-1 {
			a.selectedIdx++
		}

	case "enter":
		if rec := a.current(); rec != nil {
			return a, a.loadDetail(rec.ID)
		}

	case "l":
		if rec := a.current(); rec != nil {
			a.selected = rec
			return a, a.loadLog(rec)
		}

	case "x":
		if rec := a.current(); rec != nil && rec.Status == models.AgentStatusRunning {
			return a, a.killAgent(rec.ID)
		}

	case "c":
		if rec := a.current(); rec != nil {
			return a, a.clearDescendants(rec.ID)
		}

	case "/":
		a.filtering = true
		return a, a.filter.Focus()

	case "r":
		return a, a.loadAgents
	}

	return a, nil
}

func (a *App) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		a.filtering = false
		a.filter.Blur()
		a.selectedIdx = 0
		return a, a.loadAgents

	case "esc":
		a.filtering = false
		a.filter.Blur()
		a.filter.SetValue("")
		a.selectedIdx = 0
		return a, a.loadAgents
	}

	var cmd tea.Cmd
	a.filter, cmd = a.filter.Update(msg)
	return a, cmd
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewAgentList
		a.selected = nil
		return a, a.loadAgents

	case "l":
		if a.selected != nil {
			return a, a.loadLog(a.selected)
		}

	case "x":
		if a.selected != nil && a.selected.Status == models.AgentStatusRunning {
			return a, a.killAgent(a.selected.ID)
		}
	}
	return a, nil
}

func (a *App) handleLogKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewAgentList
		return a, a.loadAgents
	}

	var cmd tea.Cmd
	a.logView, cmd = a.logView.Update(msg)
	return a, cmd
}

func (a *App) current() *models.AgentRecord {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.rows) {
		return nil
	}
	return a.rows[a.selectedIdx].Agent
}

func (a *App) View() string {
	switch a.view {
	case ViewAgentDetail:
		return a.viewDetail()
	case ViewLog:
		return a.viewLog()
	}
	return a.viewList()
}

func (a *App) viewList() string {
	s := titleStyle.Render("Foreman") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	if a.filtering {
		s += a.filter.View() + "\n\n"
	} else if v := a.filter.Value(); v != "" {
		s += dimStyle.Render("filter: "+v) + "\n\n"
	}

	if len(a.rows) == 0 {
		s += "No agents yet.\n"
	} else {
		for i, r := range a.rows {
			line := FormatRow(r)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	if a.status != "" {
		s += "\n" + dimStyle.Render(a.status) + "\n"
	}
	s += "\n" + helpStyle.Render("[enter] details  [l] log  [x] kill  [c] clear sub-agents  [/] filter  [r] refresh  [q] quit")
	return s
}

func (a *App) viewDetail() string {
	if a.selected == nil {
		return "No agent selected"
	}
	s := FormatDetail(a.selected)
	if a.err != nil {
		s += "\n" + statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	return s + "\n" + helpStyle.Render("[l] log  [x] kill  [esc] back")
}

func (a *App) viewLog() string {
	title := "Log"
	if a.selected != nil {
		title = fmt.Sprintf("Log: #%d %s", a.selected.ID, a.selected.Name)
	}
	return titleStyle.Render(title) + "\n\n" + a.logView.View() + "\n" +
		helpStyle.Render(fmt.Sprintf("[↑/↓/pgup/pgdn] scroll  %3.f%%  [esc] back", a.logView.ScrollPercent()*100))
}

// Messages

type agentsLoadedMsg struct {
	rows []Row
	err  error
}

type agentDetailMsg struct {
	agent *models.AgentRecord
	err   error
}

type logLoadedMsg struct {
	content string
	err     error
}

type agentKilledMsg struct {
	id  int64
	err error
}

type descendantsClearedMsg struct {
	id    int64
	count int
	err   error
}

// Commands

func (a *App) loadAgents() tea.Msg {
	if pattern := a.filter.Value(); pattern != "" {
		agents, err := a.source.QueryAgents(monitor.Query{Name: pattern})
		rows := make([]Row, len(agents))
		for i, ag := range agents {
			rows[i] = Row{Agent: ag}
		}
		return agentsLoadedMsg{rows: rows, err: err}
	}

	nodes, err := a.source.BuildAgentTree()
	return agentsLoadedMsg{rows: Flatten(nodes), err: err}
}

func (a *App) loadDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		rec, err := a.source.GetAgent(id)
		return agentDetailMsg{agent: rec, err: err}
	}
}

func (a *App) loadLog(rec *models.AgentRecord) tea.Cmd {
	path := rec.LogPath
	return func() tea.Msg {
		if path == "" {
			return logLoadedMsg{content: "(no log file)"}
		}
		content, err := monitor.ReadLog(path, logTailLines)
		if err != nil {
			return logLoadedMsg{err: err}
		}
		return logLoadedMsg{content: content}
	}
}

func (a *App) killAgent(id int64) tea.Cmd {
	return func() tea.Msg {
		return agentKilledMsg{id: id, err: a.source.Kill(id)}
	}
}

func (a *App) clearDescendants(id int64) tea.Cmd {
	return func() tea.Msg {
		n, err := a.source.ClearDescendants(id)
		return descendantsClearedMsg{id: id, count: n, err: err}
	}
}
