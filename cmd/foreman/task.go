package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/foreman/internal/bridge"
	"github.com/fentz26/foreman/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Assign and follow agent tasks",
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign [agent] [description]",
	Short: "Assign a task to an agent",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskAssign,
}

var taskStopCmd = &cobra.Command{
	Use:   "stop [agent]",
	Short: "Stop an agent's task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStop,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [agent]",
	Short: "Show an agent's active task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskHistoryCmd = &cobra.Command{
	Use:   "history [agent]",
	Short: "Show an agent's finished tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskHistory,
}

var taskProgressCmd = &cobra.Command{
	Use:   "progress [agent] [file] [percent]",
	Short: "Report progress on one file",
	Args:  cobra.ExactArgs(3),
	RunE:  runTaskProgress,
}

var taskNoteCmd = &cobra.Command{
	Use:   "note [agent] [note]",
	Short: "Set what the agent is working on",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskNote,
}

var (
	taskFiles    []string
	taskReason   string
	progressNote string
	historyLimit int
)

func init() {
	taskCmd.AddCommand(taskAssignCmd, taskStopCmd, taskShowCmd, taskHistoryCmd, taskProgressCmd, taskNoteCmd)

	taskAssignCmd.Flags().StringSliceVar(&taskFiles, "file", nil, "Files the task touches (repeatable)")
	taskAssignCmd.Flags().StringVar(&taskReason, "reason", "", "Lock reason (defaults to the description)")
	taskProgressCmd.Flags().StringVar(&progressNote, "note", "", "Progress note")
	taskHistoryCmd.Flags().IntVar(&historyLimit, "limit", 10, "Number of tasks to show")
}

func runTaskAssign(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"description": strings.Join(args[1:], " "),
		"files":       taskFiles,
		"reason":      taskReason,
	}
	var res bridge.AssignResult
	if err := apiPost("/agents/"+args[0]+"/assign", body, &res); err != nil {
		return err
	}

	fmt.Printf("Assigned to %s (session %s)\n", args[0], res.SessionID)
	files := make([]string, 0, len(res.Locks))
	for f := range res.Locks {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		fmt.Printf("  %-40s %s\n", f, res.Locks[f])
	}
	return nil
}

func runTaskStop(cmd *cobra.Command, args []string) error {
	if err := apiPost("/agents/"+args[0]+"/stop", struct{}{}, nil); err != nil {
		return err
	}
	fmt.Printf("Stopped %s\n", args[0])
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var rec models.TaskRecord
	if err := apiGet("/agents/"+args[0]+"/task", &rec); err != nil {
		return err
	}
	printTask(&rec)
	return nil
}

func runTaskHistory(cmd *cobra.Command, args []string) error {
	var tasks []models.TaskRecord
	if err := apiGet(fmt.Sprintf("/agents/%s/history?limit=%d", args[0], historyLimit), &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No finished tasks")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "FINISHED\tSTATUS\tPROGRESS\tDESCRIPTION")
	for _, t := range tasks {
		finished := ""
		if t.CompletedAt != nil {
			finished = t.CompletedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\n", finished, t.Status, t.OverallProgress, truncate(t.Description, 50))
	}
	return w.Flush()
}

func runTaskProgress(cmd *cobra.Command, args []string) error {
	var percent int
	if _, err := fmt.Sscanf(args[2], "%d", &percent); err != nil {
		return fmt.Errorf("invalid percent %q", args[2])
	}
	body := map[string]interface{}{"file": args[1], "percent": percent, "note": progressNote}
	var rec models.TaskRecord
	if err := apiPost("/agents/"+args[0]+"/progress", body, &rec); err != nil {
		return err
	}
	fmt.Printf("%s: %s at %d%%, overall %d%%\n", args[0], args[1], percent, rec.OverallProgress)
	return nil
}

func runTaskNote(cmd *cobra.Command, args []string) error {
	body := map[string]string{"note": strings.Join(args[1:], " ")}
	if err := apiPost("/agents/"+args[0]+"/note", body, nil); err != nil {
		return err
	}
	fmt.Println("Noted")
	return nil
}

func printTask(rec *models.TaskRecord) {
	fmt.Printf("Agent:       %s\n", rec.Owner)
	fmt.Printf("Description: %s\n", rec.Description)
	fmt.Printf("Status:      %s\n", rec.Status)
	fmt.Printf("Progress:    %d%%\n", rec.OverallProgress)
	if rec.CurrentWork != "" {
		fmt.Printf("Working on:  %s\n", rec.CurrentWork)
	}
	fmt.Printf("Created:     %s\n", rec.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:     %s\n", rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"))

	paths := rec.FilePaths()
	if len(paths) == 0 {
		return
	}
	fmt.Println()
	w := newTable()
	fmt.Fprintln(w, "FILE\tPERCENT\tNOTE")
	for _, p := range paths {
		fp := rec.Files[p]
		fmt.Fprintf(w, "%s\t%d%%\t%s\n", p, fp.Percent, fp.Note)
	}
	w.Flush()
}
