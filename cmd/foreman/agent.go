package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/foreman/internal/controlplane"
	"github.com/fentz26/foreman/internal/models"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage the agent roster",
}

var agentHireCmd = &cobra.Command{
	Use:   "hire [name]",
	Short: "Add an agent to the roster",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentHire,
}

var agentFireCmd = &cobra.Command{
	Use:   "fire [name]",
	Short: "Remove an agent, stopping its work and releasing its files",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentFire,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE:  runAgentList,
}

var (
	agentRole string
	agentCaps []string
)

func init() {
	agentCmd.AddCommand(agentHireCmd, agentFireCmd, agentListCmd)

	agentHireCmd.Flags().StringVar(&agentRole, "role", "", "Agent role (e.g. backend, reviewer)")
	agentHireCmd.Flags().StringSliceVar(&agentCaps, "cap", nil, "Capability tags (repeatable)")
}

func runAgentHire(cmd *cobra.Command, args []string) error {
	var agent models.Agent
	if err := apiPost("/agents", models.Agent{Name: args[0], Role: agentRole, Capabilities: agentCaps}, &agent); err != nil {
		return err
	}
	fmt.Printf("Hired %s\n", agent.Name)
	return nil
}

func runAgentFire(cmd *cobra.Command, args []string) error {
	var res controlplane.FireResult
	if err := apiDelete("/agents/"+args[0], &res); err != nil {
		return err
	}
	fmt.Printf("Fired %s\n", res.Agent)
	if res.Stopped {
		fmt.Println("Stopped running session")
	}
	if len(res.Released) > 0 {
		fmt.Printf("Released: %s\n", strings.Join(res.Released, ", "))
	}
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	var agents []controlplane.AgentView
	if err := apiGet("/agents", &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents hired")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "NAME\tROLE\tSTATE\tHEALTH\tPROGRESS\tTASK")
	for _, a := range agents {
		state := string(a.State)
		if state == "" {
			state = "IDLE"
		}
		progress, task := "-", ""
		if a.Task != nil {
			progress = fmt.Sprintf("%d%%", a.Task.OverallProgress)
			task = truncate(a.Task.Description, 40)
		}
		healthCol := string(a.Health)
		if a.Escalated {
			healthCol += " (escalated)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", a.Name, a.Role, state, healthCol, progress, task)
	}
	return w.Flush()
}

// --- Helpers ---

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
