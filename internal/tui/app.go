// Package tui provides the interactive fleet dashboard for foreman.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/foreman/internal/bridge"
	"github.com/fentz26/foreman/internal/controlplane"
	"github.com/fentz26/foreman/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 1)

	columnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

const (
	modeFleet    = "fleet"
	modeDetail   = "detail"
	modeRequests = "requests"
)

// refreshInterval is how often the dashboard polls the daemon.
const refreshInterval = 2 * time.Second

// App is the main TUI application model.
type App struct {
	client       *Client
	agents       []controlplane.AgentView
	status       *controlplane.StatusReport
	requests     []models.FileRequest
	detail       *agentDetail
	selectedIdx  int
	requestIdx   int
	input        textinput.Model
	viewport     viewport.Model
	width        int
	height       int
	mode         string
	message      string
	isError      bool
	daemonOnline bool
	tickPending  bool
	suggestions  *Suggestions
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "assign @agent <task> -- files | stop | approve <id> | recover | / for commands"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr),
		input:       ti,
		viewport:    viewport.New(80, 20),
		mode:        modeFleet,
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchFleet(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if model, cmd, handled := a.handleKey(msg); handled {
			return model, cmd
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-10, 5)
		if a.detail != nil {
			a.viewport.SetContent(renderDetail(a.detail, a.width))
		}

	case fleetLoadedMsg:
		a.daemonOnline = msg.err == nil
		if msg.err == nil {
			a.agents = msg.agents
			a.status = msg.status
			a.requests = msg.requests
			a.clampSelection()
			a.syncSuggestions()
		}
		if !a.tickPending {
			a.tickPending = true
			cmds = append(cmds, a.tickCmd())
		}

	case detailLoadedMsg:
		if a.mode == modeDetail {
			a.detail = msg.detail
			a.viewport.SetContent(renderDetail(a.detail, a.width))
		}

	case tickMsg:
		a.tickPending = false
		cmds = append(cmds, a.fetchFleet())
		if a.mode == modeDetail && a.detail != nil {
			cmds = append(cmds, a.fetchDetail(a.currentView(a.detail.view)))
		}

	case commandResultMsg:
		a.message, a.isError = msg.message, false
		return a, a.fetchFleet()

	case errMsg:
		a.message, a.isError = "Error: "+msg.err.Error(), true
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)
	a.suggestions.Update(a.input.Value())

	if a.mode == modeDetail {
		a.viewport, cmd = a.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	return a, tea.Batch(cmds...)
}

// handleKey processes navigation keys. It reports false when the key should
// fall through to the text input.
func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	typing := a.input.Value() != ""

	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit, true

	case "esc":
		if typing {
			a.input.SetValue("")
			a.suggestions.Update("")
			return a, nil, true
		}
		if a.mode != modeFleet {
			a.mode = modeFleet
			a.detail = nil
			return a, a.fetchFleet(), true
		}

	case "up", "k":
		if msg.String() == "k" && typing {
			return a, nil, false
		}
		switch {
		case a.suggestions.IsVisible():
			a.suggestions.Prev()
		case a.mode == modeFleet && a.selectedIdx > 0:
			a.selectedIdx--
		case a.mode == modeRequests && a.requestIdx > 0:
			a.requestIdx--
		case a.mode == modeDetail:
			a.viewport.LineUp(1)
		}
		return a, nil, true

	case "down", "j":
		if msg.String() == "j" && typing {
			return a, nil, false
		}
		switch {
		case a.suggestions.IsVisible():
			a.suggestions.Next()
		case a.mode == modeFleet && a.selectedIdx < len(a.agents)-1:
			a.selectedIdx++
		case a.mode == modeRequests && a.requestIdx < len(a.requests)-1:
			a.requestIdx++
		case a.mode == modeDetail:
			a.viewport.LineDown(1)
		}
		return a, nil, true

	case "tab":
		if a.suggestions.IsVisible() {
			a.acceptSuggestion()
			return a, nil, true
		}
		if a.mode == modeRequests {
			a.mode = modeFleet
		} else {
			a.mode = modeRequests
		}
		return a, nil, true

	case "enter":
		if a.suggestions.IsVisible() {
			a.acceptSuggestion()
			return a, nil, true
		}
		if line := strings.TrimSpace(a.input.Value()); line != "" {
			a.input.SetValue("")
			a.suggestions.Update("")
			return a, a.runLine(line), true
		}
		if a.mode == modeFleet && len(a.agents) > 0 {
			a.mode = modeDetail
			a.detail = nil
			a.viewport.SetContent("Loading...")
			a.viewport.GotoTop()
			return a, a.fetchDetail(a.agents[a.selectedIdx]), true
		}
		return a, nil, true

	case "a", "d":
		if !typing && a.mode == modeRequests && len(a.requests) > 0 {
			req := a.requests[a.requestIdx]
			return a, execute(a.client, command{Name: map[string]string{"a": "approve", "d": "deny"}[msg.String()], Text: req.ID}), true
		}

	case "r":
		if !typing {
			return a, a.fetchFleet(), true
		}
	}
	return a, nil, false
}

func (a *App) acceptSuggestion() {
	a.input.SetValue(a.suggestions.Complete())
	a.input.CursorEnd()
	a.suggestions.Update(a.input.Value())
}

// runLine parses and executes one command bar line.
func (a *App) runLine(line string) tea.Cmd {
	cmd, err := parseCommand(line, a.selectedAgent())
	if err != nil {
		a.message, a.isError = err.Error(), true
		return nil
	}

	switch cmd.Name {
	case "q", "quit", "exit":
		return tea.Quit
	case "requests":
		a.mode = modeRequests
		return nil
	case "fleet":
		a.mode = modeFleet
		return nil
	case "approve", "deny":
		cmd.Text = a.resolveRequestID(cmd.Text)
	}
	a.message, a.isError = "", false
	return execute(a.client, cmd)
}

// resolveRequestID expands a unique id prefix against the pending requests.
func (a *App) resolveRequestID(prefix string) string {
	match := ""
	for _, r := range a.requests {
		if strings.HasPrefix(r.ID, prefix) {
			if match != "" {
				return prefix
			}
			match = r.ID
		}
	}
	if match == "" {
		return prefix
	}
	return match
}

func (a *App) selectedAgent() string {
	if a.mode == modeDetail && a.detail != nil {
		return a.detail.view.Name
	}
	if len(a.agents) == 0 || a.selectedIdx >= len(a.agents) {
		return ""
	}
	return a.agents[a.selectedIdx].Name
}

// currentView returns the latest roster entry for the agent shown in v.
func (a *App) currentView(v controlplane.AgentView) controlplane.AgentView {
	for _, ag := range a.agents {
		if ag.Name == v.Name {
			return ag
		}
	}
	return v
}

func (a *App) clampSelection() {
	if a.selectedIdx >= len(a.agents) {
		a.selectedIdx = max(0, len(a.agents)-1)
	}
	if a.requestIdx >= len(a.requests) {
		a.requestIdx = max(0, len(a.requests)-1)
	}
}

func (a *App) syncSuggestions() {
	names := make([]string, len(a.agents))
	for i, ag := range a.agents {
		names[i] = ag.Name
	}
	a.suggestions.SetAgents(names)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("foreman") + "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d agents]", len(a.agents)))
	if a.status != nil {
		if a.status.Bridge.StuckCount > 0 {
			header += "  " + lipgloss.NewStyle().Foreground(errorColor).Render(fmt.Sprintf("[%d stuck]", a.status.Bridge.StuckCount))
		}
		if n := len(a.status.Escalations); n > 0 {
			header += "  " + lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render(fmt.Sprintf("[%d escalated]", n))
		}
	}
	if n := len(a.requests); n > 0 {
		header += "  " + lipgloss.NewStyle().Foreground(warningColor).Render(fmt.Sprintf("[%d pending]", n))
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	contentHeight := max(a.height-8, 5)
	switch a.mode {
	case modeFleet:
		b.WriteString(a.renderFleet(contentHeight))
	case modeDetail:
		b.WriteString(a.viewport.View())
	case modeRequests:
		b.WriteString(a.renderRequests(contentHeight))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if a.isError {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeFleet:
		status = fmt.Sprintf(" Agents: %d | ↑↓:nav | Enter:detail | Tab:requests | r:refresh | Ctrl+C:quit", len(a.agents))
	case modeRequests:
		status = fmt.Sprintf(" Pending: %d | ↑↓:nav | a:approve | d:deny | Tab:fleet | Esc:back", len(a.requests))
	default:
		status = " ↑↓:scroll | Esc:back | Enter:command | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

const fleetRowFormat = "%-16s %-10s %-20s %-16s %-9s %s"

func (a *App) renderFleet(height int) string {
	if len(a.agents) == 0 {
		return "\n  No agents hired. Type: hire <name> [role]\n"
	}

	elapsed := map[string]bridge.AgentStatus{}
	if a.status != nil {
		for _, s := range a.status.Bridge.Agents {
			elapsed[s.Agent] = s
		}
	}

	lines := []string{columnStyle.Render(fmt.Sprintf(fleetRowFormat, "AGENT", "STATE", "HEALTH", "PROGRESS", "ELAPSED", "TASK"))}
	for i, ag := range a.agents {
		state := string(ag.State)
		if state == "" {
			state = "IDLE"
		}
		progress, task := "-", ""
		if ag.Task != nil {
			progress = fmt.Sprintf("%3d%%", ag.Task.OverallProgress)
			task = ag.Task.Description
		}
		since := "-"
		if s, ok := elapsed[ag.Name]; ok {
			since = formatDuration(s.Elapsed)
		}
		healthCol := string(ag.Health)
		if ag.Escalated {
			healthCol += " ESCALATED"
		}

		if i == a.selectedIdx {
			row := fmt.Sprintf(fleetRowFormat, truncate(ag.Name, 16), state, healthCol, progress, since, truncate(task, 40))
			lines = append(lines, selectedStyle.Render("▶"+row))
			continue
		}
		row := fmt.Sprintf("%-16s %s %s %-16s %-9s %s",
			truncate(ag.Name, 16),
			pad(formatState(state), state, 10),
			pad(formatHealth(ag.Health, ag.Escalated), healthCol, 20),
			progress, since, truncate(task, 40))
		lines = append(lines, rowStyle.Render(" "+row))
	}

	if len(lines) > height {
		start := max(0, a.selectedIdx+1-height/2)
		end := min(len(lines), start+height)
		lines = append(lines[:1], lines[start+1:end]...)
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderRequests(height int) string {
	if len(a.requests) == 0 {
		return "\n  No pending file requests.\n"
	}

	var lines []string
	lines = append(lines, columnStyle.Render(fmt.Sprintf("%-9s %-32s %-14s %-14s %s", "ID", "FILE", "REQUESTER", "OWNER", "AGE")))
	for i, r := range a.requests {
		row := fmt.Sprintf("%-9s %-32s %-14s %-14s %s",
			shortID(r.ID), truncate(r.FilePath, 32), truncate(r.Requester, 14), truncate(r.Owner, 14), formatAgo(r.CreatedAt))
		if i == a.requestIdx {
			lines = append(lines, selectedStyle.Render("▶"+row))
		} else {
			lines = append(lines, rowStyle.Render(" "+row))
		}
		if r.Reason != "" && i == a.requestIdx {
			lines = append(lines, helpStyle.Render("    "+truncate(r.Reason, max(a.width-6, 10))))
		}
	}
	if len(lines) > height {
		lines = lines[:height]
	}
	return strings.Join(lines, "\n")
}

// pad right-pads a styled string to width using the plain text's length.
func pad(styled, plain string, width int) string {
	if n := width - len([]rune(plain)); n > 0 {
		return styled + strings.Repeat(" ", n)
	}
	return styled
}

func formatState(state string) string {
	switch bridge.State(state) {
	case bridge.StateAssigned:
		return lipgloss.NewStyle().Foreground(secondaryColor).Render(state)
	case bridge.StateWorking:
		return lipgloss.NewStyle().Foreground(primaryColor).Render(state)
	case bridge.StateStuck:
		return lipgloss.NewStyle().Foreground(errorColor).Render(state)
	case bridge.StateCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render(state)
	}
	if state == "" {
		return lipgloss.NewStyle().Foreground(mutedColor).Render("IDLE")
	}
	return lipgloss.NewStyle().Foreground(mutedColor).Render(state)
}

func formatHealth(h models.Health, escalated bool) string {
	s := string(h)
	var style lipgloss.Style
	switch h {
	case models.HealthHealthy:
		style = lipgloss.NewStyle().Foreground(successColor)
	case models.HealthStagnant:
		style = lipgloss.NewStyle().Foreground(warningColor)
	case models.HealthStuck, models.HealthError:
		style = lipgloss.NewStyle().Foreground(errorColor)
	default:
		style = lipgloss.NewStyle().Foreground(mutedColor)
		if s == "" {
			s = "-"
		}
	}
	if escalated {
		return style.Render(s) + " " + lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render("ESCALATED")
	}
	return style.Render(s)
}

func formatTaskStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render("done     ")
	case models.TaskAbandoned:
		return lipgloss.NewStyle().Foreground(warningColor).Render("abandoned")
	}
	return lipgloss.NewStyle().Foreground(cyanColor).Render("active   ")
}

func (a *App) fetchFleet() tea.Cmd {
	return func() tea.Msg {
		agents, err := a.client.ListAgents()
		if err != nil {
			return fleetLoadedMsg{err: err}
		}
		status, err := a.client.Status()
		if err != nil {
			return fleetLoadedMsg{err: err}
		}
		requests, err := a.client.PendingRequests()
		if err != nil {
			return fleetLoadedMsg{err: err}
		}
		return fleetLoadedMsg{agents: agents, status: status, requests: requests}
	}
}

func (a *App) fetchDetail(view controlplane.AgentView) tea.Cmd {
	return func() tea.Msg {
		d := &agentDetail{view: view}
		var err error
		if d.task, err = a.client.Task(view.Name); err != nil {
			return errMsg{err}
		}
		d.history, _ = a.client.History(view.Name, 10)
		d.locks, _ = a.client.Locks(view.Name)
		return detailLoadedMsg{d}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type fleetLoadedMsg struct {
	agents   []controlplane.AgentView
	status   *controlplane.StatusReport
	requests []models.FileRequest
	err      error
}

type detailLoadedMsg struct {
	detail *agentDetail
}

type tickMsg time.Time
