package main

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/foreman/internal/models"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Acquire, release and list file locks",
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire [agent] [file...]",
	Short: "Lock files for an agent",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runLockAcquire,
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release [agent] [file...]",
	Short: "Release an agent's locks (all of them when no file is given)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runLockRelease,
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held locks",
	RunE:  runLockList,
}

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Ask for, approve and deny file hand-overs",
}

var requestSendCmd = &cobra.Command{
	Use:   "send [requester] [file]",
	Short: "Ask the owner of a locked file to hand it over",
	Args:  cobra.ExactArgs(2),
	RunE:  runRequestSend,
}

var requestApproveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Approve a pending request, transferring the lock",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequestResolve("approve"),
}

var requestDenyCmd = &cobra.Command{
	Use:   "deny [id]",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequestResolve("deny"),
}

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List file requests",
	RunE:  runRequestList,
}

var (
	lockReason    string
	lockOwner     string
	requestReason string
	requestStatus string
)

func init() {
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockListCmd)
	requestCmd.AddCommand(requestSendCmd, requestApproveCmd, requestDenyCmd, requestListCmd)

	lockAcquireCmd.Flags().StringVar(&lockReason, "reason", "", "Why the files are locked")
	lockListCmd.Flags().StringVar(&lockOwner, "agent", "", "Only show locks held by this agent")
	requestSendCmd.Flags().StringVar(&requestReason, "reason", "", "Why the file is needed")
	requestListCmd.Flags().StringVar(&requestStatus, "status", "pending", "Filter by status (pending, approved, denied, cancelled, or empty for all)")
}

func runLockAcquire(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{"agent": args[0], "files": args[1:], "reason": lockReason}
	var outcomes map[string]models.LockOutcome
	if err := apiPost("/locks", body, &outcomes); err != nil {
		return err
	}

	files := make([]string, 0, len(outcomes))
	for f := range outcomes {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		fmt.Printf("%-40s %s\n", f, outcomes[f])
	}
	return nil
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{"agent": args[0], "files": args[1:]}
	var res struct {
		Released []string `json:"released"`
	}
	if err := apiPost("/locks/release", body, &res); err != nil {
		return err
	}
	if len(res.Released) == 0 {
		fmt.Println("Nothing released")
		return nil
	}
	fmt.Printf("Released: %s\n", strings.Join(res.Released, ", "))
	return nil
}

func runLockList(cmd *cobra.Command, args []string) error {
	path := "/locks"
	if lockOwner != "" {
		path += "?agent=" + url.QueryEscape(lockOwner)
	}
	var held []models.FileLock
	if err := apiGet(path, &held); err != nil {
		return err
	}
	if len(held) == 0 {
		fmt.Println("No locks held")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "FILE\tOWNER\tSINCE\tREASON")
	for _, l := range held {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.FilePath, l.Owner, l.AcquiredAt.Local().Format("15:04:05"), truncate(l.Reason, 40))
	}
	return w.Flush()
}

func runRequestSend(cmd *cobra.Command, args []string) error {
	body := map[string]string{"requester": args[0], "file": args[1], "reason": requestReason}
	var res struct {
		Result    string `json:"result"`
		RequestID string `json:"request_id"`
	}
	if err := apiPost("/requests", body, &res); err != nil {
		return err
	}
	if res.RequestID != "" {
		fmt.Printf("%s (id %s)\n", res.Result, truncateID(res.RequestID))
		return nil
	}
	fmt.Println(res.Result)
	return nil
}

func runRequestResolve(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := resolveRequestID(args[0])
		if err != nil {
			return err
		}
		var res map[string]bool
		if err := apiPost("/requests/"+id+"/"+action, struct{}{}, &res); err != nil {
			return err
		}
		done := res["approved"] || res["denied"]
		if !done {
			fmt.Printf("Request %s is no longer pending\n", truncateID(id))
			return nil
		}
		fmt.Printf("Request %s %sd\n", truncateID(id), action)
		if action == "approve" {
			fmt.Println("Lock transferred")
		}
		return nil
	}
}

// resolveRequestID expands a short id prefix against the pending requests.
func resolveRequestID(prefix string) (string, error) {
	if len(prefix) >= 36 {
		return prefix, nil
	}
	var pending []models.FileRequest
	if err := apiGet("/requests?status=pending", &pending); err != nil {
		return "", err
	}
	var match string
	for _, r := range pending {
		if strings.HasPrefix(r.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("request id %q is ambiguous", prefix)
			}
			match = r.ID
		}
	}
	if match == "" {
		return prefix, nil
	}
	return match, nil
}

func runRequestList(cmd *cobra.Command, args []string) error {
	path := "/requests"
	if requestStatus != "" {
		path += "?status=" + url.QueryEscape(requestStatus)
	}
	var reqs []models.FileRequest
	if err := apiGet(path, &reqs); err != nil {
		return err
	}
	if len(reqs) == 0 {
		fmt.Println("No requests")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tFILE\tREQUESTER\tOWNER\tSTATUS\tCREATED")
	for _, r := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID), r.FilePath, r.Requester, r.Owner, r.Status, r.CreatedAt.Local().Format("15:04:05"))
	}
	return w.Flush()
}
