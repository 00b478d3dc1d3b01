package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fentz26/foreman/internal/controlplane"
	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/recovery"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet status",
	RunE:  runStatus,
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Inspect and drive automatic recovery",
}

var recoverySummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show recovery counters per agent",
	RunE:  runRecoverySummary,
}

var recoveryHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent recovery attempts",
	RunE:  runRecoveryHistory,
}

var recoveryRunCmd = &cobra.Command{
	Use:   "run [agent]",
	Short: "Attempt recovery of an agent now",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecoveryRun,
}

var recoveryClearCmd = &cobra.Command{
	Use:   "clear [agent]",
	Short: "Clear an agent's escalation so automatic recovery resumes",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecoveryClear,
}

var historyHours int

func init() {
	recoveryCmd.AddCommand(recoverySummaryCmd, recoveryHistoryCmd, recoveryRunCmd, recoveryClearCmd)
	recoveryHistoryCmd.Flags().IntVar(&historyHours, "hours", 24, "Look-back window in hours")
}

func healthColor(h models.Health) *color.Color {
	switch h {
	case models.HealthHealthy:
		return color.New(color.FgGreen)
	case models.HealthStagnant:
		return color.New(color.FgYellow)
	case models.HealthStuck, models.HealthError:
		return color.New(color.FgRed)
	}
	return color.New(color.Reset)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cyan := color.New(color.FgCyan)

	if _, err := CheckHealth(); err != nil {
		color.Red("Daemon: UNREACHABLE (%v)\n", err)
		return nil
	}

	var st controlplane.StatusReport
	if err := apiGet("/status", &st); err != nil {
		return err
	}

	cyan.Println("Fleet")
	fmt.Printf("  Active sessions:  %d\n", st.Bridge.ActiveCount)
	fmt.Printf("  Stuck sessions:   %d\n", st.Bridge.StuckCount)
	fmt.Printf("  Pending requests: %d\n", st.Pending)
	if !st.Monitor.LastTick.IsZero() {
		fmt.Printf("  Last health tick: %s ago\n", time.Since(st.Monitor.LastTick).Round(time.Second))
	}

	if len(st.Bridge.Agents) > 0 {
		fmt.Println()
		cyan.Println("Sessions")
		w := newTable()
		fmt.Fprintln(w, "AGENT\tSTATE\tELAPSED\tIDLE\tTASK")
		for _, a := range st.Bridge.Agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Agent, a.State,
				a.Elapsed.Round(time.Second), a.SinceProgress.Round(time.Second), truncate(a.Description, 40))
		}
		w.Flush()
	}

	if len(st.Health) > 0 {
		fmt.Println()
		cyan.Println("Health")
		for _, h := range st.Health {
			fmt.Printf("  %-16s ", h.Agent)
			healthColor(h.Classification).Printf("%-9s", h.Classification)
			if h.Reason != "" {
				fmt.Printf(" %s", h.Reason)
			}
			fmt.Println()
		}
	}

	if len(st.Escalations) > 0 {
		fmt.Println()
		color.New(color.FgRed, color.Bold).Println("Escalated")
		for _, e := range st.Escalations {
			fmt.Printf("  %-16s since %s: %s\n", e.Agent, e.EscalatedAt.Local().Format("15:04:05"), e.Reason)
		}
	}
	return nil
}

func runRecoverySummary(cmd *cobra.Command, args []string) error {
	var sum recovery.Summary
	if err := apiGet("/recovery/summary", &sum); err != nil {
		return err
	}
	fmt.Printf("Attempts: %d  Successes: %d  Failures: %d\n", sum.TotalAttempts, sum.Successes, sum.Failures)
	for _, e := range sum.Escalated {
		color.Red("Escalated: %s (%s)\n", e.Agent, e.Reason)
	}
	if len(sum.Agents) == 0 {
		return nil
	}

	fmt.Println()
	w := newTable()
	fmt.Fprintln(w, "AGENT\tATTEMPTS\tOK\tFAILED\tLAST\tESCALATED")
	for _, a := range sum.Agents {
		last := "-"
		if !a.LastAttempt.IsZero() {
			last = a.LastAttempt.Local().Format("01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%v\n", a.Agent, a.Attempts, a.Successes, a.Failures, last, a.Escalated)
	}
	return w.Flush()
}

func runRecoveryHistory(cmd *cobra.Command, args []string) error {
	var attempts []models.RecoveryAttempt
	if err := apiGet(fmt.Sprintf("/recovery/history?hours=%d", historyHours), &attempts); err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Printf("No recovery attempts in the last %dh\n", historyHours)
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "TIME\tAGENT\tACTION\tOUTCOME\tREASON")
	for _, a := range attempts {
		outcome := string(a.Outcome)
		if a.Escalated {
			outcome += " (escalated)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Timestamp.Local().Format("01-02 15:04:05"), a.Agent, a.Action, outcome, truncate(a.Reason, 40))
	}
	return w.Flush()
}

func runRecoveryRun(cmd *cobra.Command, args []string) error {
	var attempt models.RecoveryAttempt
	if err := apiPost("/agents/"+args[0]+"/recover", struct{}{}, &attempt); err != nil {
		return err
	}
	if attempt.Outcome == models.RecoverySuccess {
		color.Green("%s: %s succeeded\n", attempt.Agent, attempt.Action)
	} else {
		color.Red("%s: %s failed: %s\n", attempt.Agent, attempt.Action, attempt.Detail)
	}
	if attempt.Escalated {
		color.Red("%s escalated, automatic recovery suppressed\n", attempt.Agent)
	}
	return nil
}

func runRecoveryClear(cmd *cobra.Command, args []string) error {
	var res map[string]bool
	if err := apiPost("/agents/"+args[0]+"/clear-escalation", struct{}{}, &res); err != nil {
		return err
	}
	if res["cleared"] {
		fmt.Printf("Cleared escalation for %s\n", args[0])
	} else {
		fmt.Printf("%s was not escalated\n", args[0])
	}
	return nil
}
