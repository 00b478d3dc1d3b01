package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/foreman/internal/controlplane"
	"github.com/fentz26/foreman/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			MarginTop(1)
)

// agentDetail is everything the detail view shows for one agent.
type agentDetail struct {
	view    controlplane.AgentView
	task    *models.TaskRecord
	history []models.TaskRecord
	locks   []models.FileLock
}

// renderDetail renders the agent detail page. The result is fed to the
// viewport, which handles scrolling.
func renderDetail(d *agentDetail, width int) string {
	var b strings.Builder
	v := d.view

	b.WriteString(headerStyle.Render(v.Name))
	b.WriteString("\n\n")
	if v.Role != "" {
		b.WriteString(renderField("Role", v.Role))
	}
	if len(v.Capabilities) > 0 {
		b.WriteString(renderField("Capabilities", strings.Join(v.Capabilities, ", ")))
	}
	b.WriteString(renderField("State", formatState(string(v.State))))
	b.WriteString(renderField("Health", formatHealth(v.Health, v.Escalated)))

	if t := d.task; t != nil {
		b.WriteString(sectionStyle.Render("Task"))
		b.WriteString("\n")
		b.WriteString(renderField("Description", t.Description))
		b.WriteString(renderField("Progress", progressBar(t.OverallProgress, 20)))
		if t.CurrentWork != "" {
			b.WriteString(renderField("Working on", t.CurrentWork))
		}
		b.WriteString(renderField("Started", t.CreatedAt.Local().Format("15:04:05")))
		b.WriteString(renderField("Last update", formatAgo(t.UpdatedAt)))
		for _, p := range t.FilePaths() {
			fp := t.Files[p]
			line := fmt.Sprintf("  %-40s %s", truncate(p, 40), progressBar(fp.Percent, 10))
			if fp.Note != "" {
				line += "  " + labelStyle.Render(truncate(fp.Note, width-60))
			}
			b.WriteString(line + "\n")
		}
	}

	if len(d.locks) > 0 {
		b.WriteString(sectionStyle.Render("Locks"))
		b.WriteString("\n")
		for _, l := range d.locks {
			b.WriteString(fmt.Sprintf("  %s  %s\n", l.FilePath, labelStyle.Render(formatAgo(l.AcquiredAt))))
		}
	}

	if len(d.history) > 0 {
		b.WriteString(sectionStyle.Render("History"))
		b.WriteString("\n")
		for _, t := range d.history {
			b.WriteString(fmt.Sprintf("  %s  %3d%%  %s\n", formatTaskStatus(t.Status), t.OverallProgress, truncate(t.Description, 50)))
		}
	}

	return b.String()
}

func renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), valueStyle.Render(value))
}

// progressBar renders percent as a fixed-width bar.
func progressBar(percent, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * width / 100
	bar := lipgloss.NewStyle().Foreground(successColor).Render(strings.Repeat("█", filled)) +
		lipgloss.NewStyle().Foreground(mutedColor).Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3d%%", bar, percent)
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatDuration(time.Since(t)) + " ago"
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if n < 4 {
		n = 4
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
