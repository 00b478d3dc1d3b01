// Package bridge turns assignment intents into worker session lifecycles.
//
// Each assigned agent has one Entry moving through
//
//	IDLE -> ASSIGNED -> WORKING -> {STUCK -> WORKING | COMPLETED} -> IDLE
//
// The entry map is guarded by a single mutex that is never held across calls
// to the executor, tracker, lock manager or notifier. Transitions that carry
// side effects (completion, stuck, stop) are compare-and-swap on the entry
// state under that mutex, so each side effect fires once per session even
// when several goroutines poll at the same time.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/foreman/internal/executor"
	"github.com/fentz26/foreman/internal/locks"
	"github.com/fentz26/foreman/internal/metrics"
	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/notify"
	"github.com/fentz26/foreman/internal/progress"
)

// ErrCancelled is returned by Assign when the agent was stopped while its
// session was still starting.
var ErrCancelled = errors.New("assignment cancelled")

// State is the bridge state of an assigned agent.
type State string

const (
	StateAssigned  State = "ASSIGNED"
	StateWorking   State = "WORKING"
	StateStuck     State = "STUCK"
	StateCompleted State = "COMPLETED"
)

// Entry is the in-memory record of one assignment.
type Entry struct {
	Agent          string    `json:"agent"`
	Description    string    `json:"description"`
	Files          []string  `json:"files,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	State          State     `json:"state"`
	AssignedAt     time.Time `json:"assigned_at"`
	LastProgressAt time.Time `json:"last_progress_at"`
	StuckAt        time.Time `json:"stuck_at,omitempty"`
	Restarts       int       `json:"restarts"`

	cancelled bool // stop requested while ASSIGNED
}

func (e *Entry) copy() Entry {
	c := *e
	c.Files = append([]string(nil), e.Files...)
	return c
}

// Config holds bridge timeouts.
type Config struct {
	StuckTimeout time.Duration // no progress for this long while WORKING means STUCK
	StartTimeout time.Duration // bound on executor Start
	PollTimeout  time.Duration // bound on each executor Status call
}

func (c Config) withDefaults() Config {
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 10 * time.Minute
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	return c
}

// AssignRequest is an assignment intent.
type AssignRequest struct {
	Agent       string   `json:"agent"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// AssignResult reports the started session and per-file lock outcomes.
type AssignResult struct {
	SessionID string                        `json:"session_id"`
	Locks     map[string]models.LockOutcome `json:"locks,omitempty"`
}

// Completion describes one session that finished during a poll.
type Completion struct {
	Agent       string             `json:"agent"`
	SessionID   string             `json:"session_id"`
	Description string             `json:"description"`
	Output      string             `json:"output,omitempty"`
	Elapsed     time.Duration      `json:"elapsed"`
	Task        *models.TaskRecord `json:"task,omitempty"`
}

// AgentStatus is the per-agent part of Status.
type AgentStatus struct {
	Agent         string        `json:"agent"`
	State         State         `json:"state"`
	SessionID     string        `json:"session_id,omitempty"`
	Description   string        `json:"description"`
	Elapsed       time.Duration `json:"elapsed"`
	SinceProgress time.Duration `json:"since_progress"`
}

// Status is a read-only snapshot of the bridge.
type Status struct {
	ActiveCount int           `json:"active_count"`
	StuckCount  int           `json:"stuck_count"`
	Agents      []AgentStatus `json:"agents"`
}

// Bridge coordinates locks, progress and worker sessions.
type Bridge struct {
	cfg      Config
	locks    *locks.Manager
	tracker  *progress.Tracker
	exec     executor.Executor
	notifier notify.Notifier
	metrics  metrics.Sink
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry

	nowFunc func() time.Time
}

// New creates a bridge. A nil notifier logs notifications; a nil sink
// disables metrics.
func New(cfg Config, lm *locks.Manager, tr *progress.Tracker, ex executor.Executor, n notify.Notifier, sink metrics.Sink, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.NewLog(logger)
	}
	return &Bridge{
		cfg:      cfg.withDefaults(),
		locks:    lm,
		tracker:  tr,
		exec:     ex,
		notifier: n,
		metrics:  metrics.OrNop(sink),
		logger:   logger.With("component", "bridge"),
		entries:  make(map[string]*Entry),
		nowFunc:  time.Now,
	}
}

// Assign creates the task record, locks the task files, starts a session and
// moves the agent to WORKING. Lock conflicts are reported in the result and
// are not fatal. A session that fails to start rolls everything back.
func (b *Bridge) Assign(ctx context.Context, req AssignRequest) (*AssignResult, error) {
	ok, err := b.locks.Exists(ctx, req.Agent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrInvalidAgent
	}

	now := b.now()
	entry := &Entry{
		Agent:          req.Agent,
		Description:    req.Description,
		Files:          append([]string(nil), req.Files...),
		State:          StateAssigned,
		AssignedAt:     now,
		LastProgressAt: now,
	}

	b.mu.Lock()
	if _, exists := b.entries[req.Agent]; exists {
		b.mu.Unlock()
		return nil, models.ErrAlreadyAssigned
	}
	b.entries[req.Agent] = entry
	b.mu.Unlock()

	if _, err := b.tracker.Create(ctx, req.Agent, req.Description, req.Files); err != nil {
		b.removeEntry(req.Agent, entry)
		return nil, err
	}

	var (
		outcomes map[string]models.LockOutcome
		acquired []string
	)
	if len(req.Files) > 0 {
		held, err := b.heldFiles(ctx, req.Agent)
		if err != nil {
			b.rollback(ctx, entry, nil)
			return nil, err
		}
		outcomes, err = b.locks.Lock(ctx, req.Agent, req.Files, lockReason(req))
		acquired = newlyLocked(outcomes, held)
		if err != nil {
			b.rollback(ctx, entry, acquired)
			return nil, err
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, b.cfg.StartTimeout)
	sessionID, err := b.exec.Start(startCtx, req.Agent, req.Description)
	cancel()
	if err != nil {
		b.rollback(ctx, entry, acquired)
		b.metrics.IncCounter("session_start_failures_total", nil, 1)
		b.logger.Error("session start failed", "agent", req.Agent, "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrSessionStart, err)
	}

	b.mu.Lock()
	cancelled := entry.cancelled
	if !cancelled {
		entry.SessionID = sessionID
		entry.State = StateWorking
		entry.LastProgressAt = b.now()
	}
	b.mu.Unlock()

	if cancelled {
		if err := b.exec.Stop(ctx, sessionID); err != nil {
			b.logger.Warn("failed to stop cancelled session", "agent", req.Agent, "session", sessionID, "error", err)
		}
		b.rollback(ctx, entry, acquired)
		b.notify(ctx, notify.KindStopped, req.Agent, notify.FormatStopped(req.Agent, req.Description))
		return nil, ErrCancelled
	}

	b.metrics.IncCounter("assignments_total", nil, 1)
	b.publishGauges()
	b.logger.Info("agent assigned", "agent", req.Agent, "session", sessionID, "files", len(req.Files))

	locked, conflicts := splitOutcomes(outcomes)
	b.notify(ctx, notify.KindAck, req.Agent, notify.FormatAck(req.Agent, req.Description, locked, conflicts))

	return &AssignResult{SessionID: sessionID, Locks: outcomes}, nil
}

// rollback undoes a partial assignment: releases the acquired files,
// abandons the task record and clears the entry. Locks the agent held before
// the assignment stay with it.
func (b *Bridge) rollback(ctx context.Context, entry *Entry, acquired []string) {
	if len(acquired) > 0 {
		if _, err := b.locks.Release(ctx, entry.Agent, acquired); err != nil {
			b.logger.Error("rollback: release locks", "agent", entry.Agent, "error", err)
		}
	}
	if _, err := b.tracker.Abandon(ctx, entry.Agent); err != nil {
		b.logger.Error("rollback: abandon task", "agent", entry.Agent, "error", err)
	}
	b.removeEntry(entry.Agent, entry)
}

// ReportProgress forwards a file progress event to the tracker and counts
// as activity: the stuck timer resets and a STUCK agent returns to WORKING.
func (b *Bridge) ReportProgress(ctx context.Context, agent, file string, percent int, note string) (*models.TaskRecord, error) {
	rec, err := b.tracker.UpdateFile(ctx, agent, file, percent, note)
	if err != nil {
		return nil, err
	}
	b.touch(agent)
	return rec, nil
}

// ReportWorkNote forwards a work note to the tracker and counts as activity.
func (b *Bridge) ReportWorkNote(ctx context.Context, agent, note string) (*models.TaskRecord, error) {
	rec, err := b.tracker.UpdateWorkNote(ctx, agent, note)
	if err != nil {
		return nil, err
	}
	b.touch(agent)
	return rec, nil
}

func (b *Bridge) touch(agent string) {
	b.mu.Lock()
	e, ok := b.entries[agent]
	if !ok {
		b.mu.Unlock()
		return
	}
	e.LastProgressAt = b.now()
	unstuck := e.State == StateStuck
	if unstuck {
		e.State = StateWorking
		e.StuckAt = time.Time{}
	}
	b.mu.Unlock()

	if unstuck {
		b.logger.Info("agent resumed progress", "agent", agent)
		b.publishGauges()
	}
}

// CheckStuck moves WORKING agents without progress for longer than
// StuckTimeout to STUCK and sends one help request each. Returns the agents
// that became stuck on this call.
func (b *Bridge) CheckStuck(ctx context.Context) []string {
	now := b.now()
	var stuck []Entry

	b.mu.Lock()
	for _, e := range b.entries {
		if e.State == StateWorking && now.Sub(e.LastProgressAt) > b.cfg.StuckTimeout {
			e.State = StateStuck
			e.StuckAt = now
			stuck = append(stuck, e.copy())
		}
	}
	b.mu.Unlock()

	names := make([]string, 0, len(stuck))
	for _, e := range stuck {
		idle := now.Sub(e.LastProgressAt)
		b.logger.Warn("agent stuck", "agent", e.Agent, "idle", idle)
		b.metrics.IncCounter("stuck_total", nil, 1)
		b.notify(ctx, notify.KindHelpRequest, e.Agent, notify.FormatHelpRequest(e.Agent, e.Description, idle))
		names = append(names, e.Agent)
	}
	if len(stuck) > 0 {
		b.publishGauges()
	}
	sort.Strings(names)
	return names
}

type pollTarget struct {
	entry     *Entry
	agent     string
	sessionID string
}

// CheckCompletion polls every WORKING or STUCK session. A finished session is
// completed exactly once: its locks are released, its record archived, a
// completion notification sent and the entry cleared. Safe to call
// concurrently. A status error for one agent is logged and skipped.
func (b *Bridge) CheckCompletion(ctx context.Context) []Completion {
	b.mu.Lock()
	targets := make([]pollTarget, 0, len(b.entries))
	for _, e := range b.entries {
		if (e.State == StateWorking || e.State == StateStuck) && e.SessionID != "" {
			targets = append(targets, pollTarget{entry: e, agent: e.Agent, sessionID: e.SessionID})
		}
	}
	b.mu.Unlock()

	var done []Completion
	for _, t := range targets {
		pollCtx, cancel := context.WithTimeout(ctx, b.cfg.PollTimeout)
		st, err := b.exec.Status(pollCtx, t.sessionID)
		cancel()
		if err != nil {
			b.logger.Warn("session status failed", "agent", t.agent, "session", t.sessionID, "error", err)
			continue
		}
		if !st.Done {
			continue
		}

		b.mu.Lock()
		e := b.entries[t.agent]
		won := e == t.entry && e.SessionID == t.sessionID &&
			(e.State == StateWorking || e.State == StateStuck)
		var snapshot Entry
		if won {
			e.State = StateCompleted
			snapshot = e.copy()
		}
		b.mu.Unlock()
		if !won {
			continue
		}

		done = append(done, b.complete(ctx, t.entry, snapshot, st.Output))
	}
	return done
}

func (b *Bridge) complete(ctx context.Context, entry *Entry, e Entry, output string) Completion {
	if _, err := b.locks.Release(ctx, e.Agent, nil); err != nil {
		b.logger.Error("completion: release locks", "agent", e.Agent, "error", err)
	}
	task, err := b.tracker.Complete(ctx, e.Agent)
	if err != nil {
		b.logger.Error("completion: archive task", "agent", e.Agent, "error", err)
	}

	elapsed := b.now().Sub(e.AssignedAt)
	b.notify(ctx, notify.KindCompletion, e.Agent, notify.FormatCompletion(e.Agent, e.Description, elapsed, output))
	b.removeEntry(e.Agent, entry)

	b.metrics.IncCounter("completions_total", nil, 1)
	b.publishGauges()
	b.logger.Info("agent completed", "agent", e.Agent, "session", e.SessionID, "elapsed", elapsed)

	return Completion{
		Agent:       e.Agent,
		SessionID:   e.SessionID,
		Description: e.Description,
		Output:      output,
		Elapsed:     elapsed,
		Task:        task,
	}
}

// Tick runs one completion poll followed by stuck detection.
func (b *Bridge) Tick(ctx context.Context) ([]Completion, []string) {
	completed := b.CheckCompletion(ctx)
	stuck := b.CheckStuck(ctx)
	return completed, stuck
}

// Stop cancels an assignment. Every cleanup step is attempted even if an
// earlier one fails; failures are logged. Returns ErrNotAssigned when the
// agent has no active entry.
func (b *Bridge) Stop(ctx context.Context, agent string) error {
	b.mu.Lock()
	e, ok := b.entries[agent]
	if !ok || e.State == StateCompleted || e.cancelled {
		b.mu.Unlock()
		return models.ErrNotAssigned
	}
	if e.State == StateAssigned {
		// Assign still owns the entry; it tears down once Start returns.
		e.cancelled = true
		b.mu.Unlock()
		b.logger.Info("stop requested during start", "agent", agent)
		return nil
	}
	e.State = StateCompleted
	snapshot := e.copy()
	b.mu.Unlock()

	if snapshot.SessionID != "" {
		if err := b.exec.Stop(ctx, snapshot.SessionID); err != nil {
			b.logger.Error("stop: terminate session", "agent", agent, "session", snapshot.SessionID, "error", err)
		}
	}
	if _, err := b.locks.Release(ctx, agent, nil); err != nil {
		b.logger.Error("stop: release locks", "agent", agent, "error", err)
	}
	if _, err := b.tracker.Abandon(ctx, agent); err != nil {
		b.logger.Error("stop: abandon task", "agent", agent, "error", err)
	}
	b.removeEntry(agent, e)

	b.metrics.IncCounter("stops_total", nil, 1)
	b.publishGauges()
	b.logger.Info("agent stopped", "agent", agent)
	b.notify(ctx, notify.KindStopped, agent, notify.FormatStopped(agent, snapshot.Description))
	return nil
}

// Restart replaces the agent's session with a fresh one for the same task.
// Locks and progress are kept.
func (b *Bridge) Restart(ctx context.Context, agent string) error {
	b.mu.Lock()
	e, ok := b.entries[agent]
	if !ok || (e.State != StateWorking && e.State != StateStuck) {
		b.mu.Unlock()
		return models.ErrNotAssigned
	}
	oldSession := e.SessionID
	description := e.Description
	b.mu.Unlock()

	if oldSession != "" {
		if err := b.exec.Stop(ctx, oldSession); err != nil && !errors.Is(err, executor.ErrUnknownSession) {
			b.logger.Warn("restart: stop old session", "agent", agent, "session", oldSession, "error", err)
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, b.cfg.StartTimeout)
	sessionID, err := b.exec.Start(startCtx, agent, description)
	cancel()
	if err != nil {
		b.metrics.IncCounter("session_start_failures_total", nil, 1)
		return fmt.Errorf("%w: %v", models.ErrSessionStart, err)
	}

	b.mu.Lock()
	current := b.entries[agent] == e && e.SessionID == oldSession &&
		(e.State == StateWorking || e.State == StateStuck)
	if current {
		e.SessionID = sessionID
		e.State = StateWorking
		e.StuckAt = time.Time{}
		e.LastProgressAt = b.now()
		e.Restarts++
	}
	b.mu.Unlock()

	if !current {
		if err := b.exec.Stop(ctx, sessionID); err != nil {
			b.logger.Warn("restart: stop superseded session", "agent", agent, "error", err)
		}
		return models.ErrNotAssigned
	}

	b.publishGauges()
	b.logger.Info("session restarted", "agent", agent, "old_session", oldSession, "session", sessionID)
	return nil
}

// Resume rebuilds an entry for an agent whose active task record survived a
// daemon restart but which has no entry. The record is kept if the session
// cannot be started.
func (b *Bridge) Resume(ctx context.Context, agent string) error {
	rec := b.tracker.Snapshot(agent)
	if rec == nil {
		return models.ErrNoActiveTask
	}

	now := b.now()
	entry := &Entry{
		Agent:          agent,
		Description:    rec.Description,
		Files:          rec.FilePaths(),
		State:          StateAssigned,
		AssignedAt:     rec.CreatedAt,
		LastProgressAt: now,
	}

	b.mu.Lock()
	if _, exists := b.entries[agent]; exists {
		b.mu.Unlock()
		return models.ErrAlreadyAssigned
	}
	b.entries[agent] = entry
	b.mu.Unlock()

	if len(entry.Files) > 0 {
		outcomes, err := b.locks.Lock(ctx, agent, entry.Files, "resume: "+rec.Description)
		if err != nil {
			b.logger.Warn("resume: relock files", "agent", agent, "error", err)
		}
		if _, conflicts := splitOutcomes(outcomes); len(conflicts) > 0 {
			b.logger.Warn("resume: files held by others", "agent", agent, "files", conflicts)
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, b.cfg.StartTimeout)
	sessionID, err := b.exec.Start(startCtx, agent, rec.Description)
	cancel()
	if err != nil {
		b.removeEntry(agent, entry)
		b.metrics.IncCounter("session_start_failures_total", nil, 1)
		return fmt.Errorf("%w: %v", models.ErrSessionStart, err)
	}

	b.mu.Lock()
	cancelled := entry.cancelled
	if !cancelled {
		entry.SessionID = sessionID
		entry.State = StateWorking
		entry.LastProgressAt = b.now()
	}
	b.mu.Unlock()

	if cancelled {
		if err := b.exec.Stop(ctx, sessionID); err != nil {
			b.logger.Warn("resume: stop cancelled session", "agent", agent, "error", err)
		}
		b.rollback(ctx, entry, nil)
		if _, err := b.locks.Release(ctx, agent, nil); err != nil {
			b.logger.Error("resume: release locks", "agent", agent, "error", err)
		}
		return ErrCancelled
	}

	b.publishGauges()
	b.logger.Info("task resumed", "agent", agent, "session", sessionID)
	return nil
}

// HasEntry reports whether the agent currently has a bridge entry.
func (b *Bridge) HasEntry(agent string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[agent]
	return ok
}

// Entry returns a copy of the agent's entry.
func (b *Bridge) Entry(agent string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[agent]
	if !ok {
		return Entry{}, false
	}
	return e.copy(), true
}

// Entries returns copies of all entries ordered by agent.
func (b *Bridge) Entries() []Entry {
	b.mu.Lock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.copy())
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Status returns counts and per-agent durations.
func (b *Bridge) Status() Status {
	now := b.now()
	st := Status{Agents: []AgentStatus{}}
	for _, e := range b.Entries() {
		if e.State == StateCompleted {
			continue
		}
		st.ActiveCount++
		if e.State == StateStuck {
			st.StuckCount++
		}
		st.Agents = append(st.Agents, AgentStatus{
			Agent:         e.Agent,
			State:         e.State,
			SessionID:     e.SessionID,
			Description:   e.Description,
			Elapsed:       now.Sub(e.AssignedAt),
			SinceProgress: now.Sub(e.LastProgressAt),
		})
	}
	return st
}

func (b *Bridge) removeEntry(agent string, entry *Entry) {
	b.mu.Lock()
	if b.entries[agent] == entry {
		delete(b.entries, agent)
	}
	b.mu.Unlock()
}

func (b *Bridge) publishGauges() {
	st := b.Status()
	b.metrics.SetGauge("bridge_active", nil, float64(st.ActiveCount))
	b.metrics.SetGauge("bridge_stuck", nil, float64(st.StuckCount))
}

func (b *Bridge) notify(ctx context.Context, kind notify.Kind, agent, text string) {
	if err := b.notifier.Notify(ctx, notify.Notification{Kind: kind, Agent: agent, Text: text}); err != nil {
		b.logger.Warn("notification failed", "kind", kind, "agent", agent, "error", err)
	}
}

// SetClock replaces the bridge's time source.
func (b *Bridge) SetClock(now func() time.Time) {
	b.nowFunc = now
}

func (b *Bridge) now() time.Time {
	return b.nowFunc()
}

func lockReason(req AssignRequest) string {
	if req.Reason != "" {
		return req.Reason
	}
	return req.Description
}

// heldFiles returns the set of files the agent already owns.
func (b *Bridge) heldFiles(ctx context.Context, agent string) (map[string]bool, error) {
	locks, err := b.locks.Locks(ctx, agent)
	if err != nil {
		return nil, err
	}
	held := make(map[string]bool, len(locks))
	for _, l := range locks {
		held[l.FilePath] = true
	}
	return held, nil
}

// newlyLocked returns the locked files that were not in held, sorted.
func newlyLocked(outcomes map[string]models.LockOutcome, held map[string]bool) []string {
	locked, _ := splitOutcomes(outcomes)
	var acquired []string
	for _, f := range locked {
		if !held[f] {
			acquired = append(acquired, f)
		}
	}
	return acquired
}

// splitOutcomes returns the locked and conflicting files, sorted.
func splitOutcomes(outcomes map[string]models.LockOutcome) (locked, conflicts []string) {
	for f, o := range outcomes {
		if o == models.LockLocked {
			locked = append(locked, f)
		} else {
			conflicts = append(conflicts, f)
		}
	}
	sort.Strings(locked)
	sort.Strings(conflicts)
	return locked, conflicts
}
