package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for the command bar.
type Suggestions struct {
	items        []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string // "/" or "@"
	currentInput string
	agents       []SuggestionItem
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command" or "agent"
}

var commandSuggestions = []SuggestionItem{
	{Text: "assign", Description: "Assign a task to the selected agent", Type: "command"},
	{Text: "stop", Description: "Stop the selected agent's task", Type: "command"},
	{Text: "hire", Description: "Add an agent to the roster", Type: "command"},
	{Text: "fire", Description: "Remove the selected agent", Type: "command"},
	{Text: "approve", Description: "Approve a pending file request", Type: "command"},
	{Text: "deny", Description: "Deny a pending file request", Type: "command"},
	{Text: "recover", Description: "Restart or resume the selected agent", Type: "command"},
	{Text: "clear", Description: "Clear the selected agent's escalation", Type: "command"},
	{Text: "check", Description: "Run a health check now", Type: "command"},
	{Text: "requests", Description: "Show pending file requests", Type: "command"},
	{Text: "fleet", Description: "Back to the fleet view", Type: "command"},
}

// NewSuggestions creates a new suggestions handler.
func NewSuggestions() *Suggestions {
	return &Suggestions{
		items:   commandSuggestions,
		visible: false,
	}
}

// Update updates suggestions based on current input. A leading "/" completes
// command names; a trailing "@word" completes agent names.
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	if input == "" {
		s.hide()
		return
	}

	base, last := splitLast(input)
	switch {
	case base == "" && strings.HasPrefix(last, "/"):
		s.prefix = "/"
		s.items = commandSuggestions
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(last, "/")))
	case strings.HasPrefix(last, "@"):
		s.prefix = "@"
		s.items = s.agents
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(last, "@")))
	default:
		s.hide()
	}
}

func (s *Suggestions) hide() {
	s.visible = false
	s.filtered = nil
	s.prefix = ""
}

// splitLast splits input into everything before the last word and the word.
func splitLast(input string) (string, string) {
	i := strings.LastIndex(input, " ")
	return input[:i+1], input[i+1:]
}

// SetAgents updates the agent suggestions.
func (s *Suggestions) SetAgents(agents []string) {
	s.agents = make([]SuggestionItem, len(agents))
	for i, agent := range agents {
		s.agents[i] = SuggestionItem{
			Text:        agent,
			Description: "Agent",
			Type:        "agent",
		}
	}
	if s.prefix == "@" {
		s.Update(s.currentInput)
	}
}

// Complete returns the input with its last word replaced by the selection.
func (s *Suggestions) Complete() string {
	sel := s.Selected()
	if sel == nil {
		return s.currentInput
	}
	base, _ := splitLast(s.currentInput)
	return base + s.prefix + sel.Text + " "
}

func (s *Suggestions) filter(query string) {
	if query == "" {
		s.filtered = s.items
		s.selectedIdx = 0
		return
	}

	s.filtered = []SuggestionItem{}
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
	s.selectedIdx = 0
}

// Next moves to the next suggestion, wrapping at the end.
func (s *Suggestions) Next() { s.move(1) }

// Prev moves to the previous suggestion, wrapping at the start.
func (s *Suggestions) Prev() { s.move(-1) }

func (s *Suggestions) move(delta int) {
	n := len(s.filtered)
	if n == 0 {
		return
	}
	s.selectedIdx = ((s.selectedIdx+delta)%n + n) % n
}

// Selected returns the currently selected suggestion.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible reports whether the dropdown has anything to show.
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

const maxVisibleSuggestions = 5

var (
	dropdownStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)

	suggestionStyle     = lipgloss.NewStyle().Foreground(fgColor)
	suggestionDescStyle = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	suggestionSelStyle  = lipgloss.NewStyle().Background(primaryColor).Foreground(fgColor).Bold(true)
)

// Render renders the dropdown below the command bar. The window of visible
// items follows the selection.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	header := "Commands"
	if s.prefix == "@" {
		header = "Agents"
	}
	lines := []string{lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header)}

	start := 0
	if s.selectedIdx >= maxVisibleSuggestions {
		start = s.selectedIdx - maxVisibleSuggestions + 1
	}
	end := min(len(s.filtered), start+maxVisibleSuggestions)
	for i := start; i < end; i++ {
		item := s.filtered[i]
		if i == s.selectedIdx {
			lines = append(lines, suggestionSelStyle.Render("▶ "+item.Text+"  "+item.Description))
			continue
		}
		lines = append(lines, suggestionStyle.Render("  "+item.Text)+"  "+suggestionDescStyle.Render(item.Description))
	}
	if rest := len(s.filtered) - end; rest > 0 {
		lines = append(lines, suggestionDescStyle.Render(fmt.Sprintf("  ... and %d more", rest)))
	}

	return dropdownStyle.Width(max(width-4, 20)).Render(strings.Join(lines, "\n"))
}
