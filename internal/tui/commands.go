package tui

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// command is one parsed line from the command bar.
type command struct {
	Name  string
	Agent string
	Text  string
	Files []string
}

var errNoAgent = errors.New("no agent selected")

// usage lists the command bar syntax per command.
var usage = map[string]string{
	"assign":  "assign [@agent] <description> [-- file...]",
	"stop":    "stop [@agent]",
	"hire":    "hire <name> [role]",
	"fire":    "fire [@agent]",
	"approve": "approve <request-id>",
	"deny":    "deny <request-id>",
	"recover": "recover [@agent]",
	"clear":   "clear [@agent]",
	"check":   "check",
}

// parseCommand splits a command line. An "@name" token right after the
// command picks the agent; otherwise the selected agent is used. Tokens after
// "--" are file paths.
func parseCommand(input, selected string) (command, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return command{}, errors.New("empty command")
	}
	cmd := command{Name: strings.TrimPrefix(strings.ToLower(fields[0]), "/")}
	args := fields[1:]

	if len(args) > 0 && strings.HasPrefix(args[0], "@") {
		cmd.Agent = strings.TrimPrefix(args[0], "@")
		args = args[1:]
	}

	for i, a := range args {
		if a == "--" {
			cmd.Files = args[i+1:]
			args = args[:i]
			break
		}
	}
	cmd.Text = strings.Join(args, " ")

	switch cmd.Name {
	case "assign":
		if cmd.Text == "" {
			return cmd, fmt.Errorf("usage: %s", usage["assign"])
		}
	case "hire":
		if len(args) == 0 {
			return cmd, fmt.Errorf("usage: %s", usage["hire"])
		}
		cmd.Agent = args[0]
		cmd.Text = strings.Join(args[1:], " ")
		return cmd, nil
	case "approve", "deny":
		if cmd.Text == "" {
			return cmd, fmt.Errorf("usage: %s", usage[cmd.Name])
		}
		return cmd, nil
	case "stop", "fire", "recover", "clear":
	case "check", "requests", "fleet", "q", "quit", "exit":
		return cmd, nil
	default:
		return cmd, fmt.Errorf("unknown command %q (try: %s)", cmd.Name, strings.Join(commandNames(), ", "))
	}

	if cmd.Agent == "" {
		cmd.Agent = selected
	}
	if cmd.Agent == "" {
		return cmd, errNoAgent
	}
	return cmd, nil
}

func commandNames() []string {
	names := make([]string, 0, len(usage))
	for n := range usage {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// execute runs a parsed command against the API.
func execute(client *Client, cmd command) tea.Cmd {
	return func() tea.Msg {
		switch cmd.Name {
		case "assign":
			res, err := client.Assign(cmd.Agent, cmd.Text, cmd.Files)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("Assigned to %s (session %s)", cmd.Agent, shortID(res.SessionID))}

		case "stop":
			if err := client.Stop(cmd.Agent); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"Stopped " + cmd.Agent}

		case "hire":
			if err := client.Hire(cmd.Agent, cmd.Text); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"Hired " + cmd.Agent}

		case "fire":
			res, err := client.Fire(cmd.Agent)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("Fired %s, released %d files", res.Agent, len(res.Released))}

		case "approve", "deny":
			ok, err := client.Resolve(cmd.Text, cmd.Name == "approve")
			if err != nil {
				return errMsg{err}
			}
			if !ok {
				return commandResultMsg{"Request is no longer pending"}
			}
			if cmd.Name == "approve" {
				return commandResultMsg{"Approved, lock transferred"}
			}
			return commandResultMsg{"Denied"}

		case "recover":
			attempt, err := client.Recover(cmd.Agent)
			if err != nil {
				return errMsg{err}
			}
			msg := fmt.Sprintf("%s: %s %s", cmd.Agent, attempt.Action, attempt.Outcome)
			if attempt.Escalated {
				msg += " (escalated)"
			}
			return commandResultMsg{msg}

		case "clear":
			ok, err := client.ClearEscalation(cmd.Agent)
			if err != nil {
				return errMsg{err}
			}
			if !ok {
				return commandResultMsg{cmd.Agent + " was not escalated"}
			}
			return commandResultMsg{"Cleared escalation for " + cmd.Agent}

		case "check":
			recs, err := client.CheckHealthNow()
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("Checked %d agents", len(recs))}
		}
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
