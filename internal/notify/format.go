package notify

import (
	"fmt"
	"strings"
	"time"
)

const maxOutputRunes = 500

// FormatAck acknowledges an assignment.
func FormatAck(agent, description string, locked, conflicts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "@%s assigned: %s", agent, description)
	if len(locked) > 0 {
		fmt.Fprintf(&b, " (locked %s)", strings.Join(locked, ", "))
	}
	if len(conflicts) > 0 {
		fmt.Fprintf(&b, " (held by others: %s)", strings.Join(conflicts, ", "))
	}
	return b.String()
}

// FormatCompletion reports a finished task with the tail of its output.
func FormatCompletion(agent, description string, elapsed time.Duration, output string) string {
	msg := fmt.Sprintf("@%s finished %q in %s", agent, description, elapsed.Round(time.Second))
	if out := strings.TrimSpace(output); out != "" {
		msg += "\n" + truncate(out, maxOutputRunes)
	}
	return msg
}

// FormatHelpRequest asks for help with an agent that stopped making progress.
func FormatHelpRequest(agent, description string, idle time.Duration) string {
	return fmt.Sprintf("@%s looks stuck on %q: no progress for %s", agent, description, idle.Round(time.Second))
}

// FormatStopped reports a manual stop.
func FormatStopped(agent, description string) string {
	return fmt.Sprintf("@%s stopped: %s", agent, description)
}

// FormatEscalation announces that automatic recovery gave up on an agent.
func FormatEscalation(agent, reason string, attempts int) string {
	return fmt.Sprintf("[ESCALATION] %s: automatic recovery suspended after %d attempts. %s. Clear with `foreman recovery clear %s`.",
		agent, attempts, reason, agent)
}

// truncate keeps the last max runes of s, prefixed with "..." when cut.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return "..." + string(runes[len(runes)-max:])
}
