// Package controlplane provides the HTTP API and service layer for foreman.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fentz26/foreman/internal/audit"
	"github.com/fentz26/foreman/internal/bridge"
	"github.com/fentz26/foreman/internal/health"
	"github.com/fentz26/foreman/internal/locks"
	"github.com/fentz26/foreman/internal/metrics"
	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/progress"
	"github.com/fentz26/foreman/internal/recovery"
	"github.com/fentz26/foreman/internal/store"
)

// Components are the parts of the engine the service composes.
type Components struct {
	Store    *store.Store
	PDR      *audit.PDRWriter
	Locks    *locks.Manager
	Tracker  *progress.Tracker
	Bridge   *bridge.Bridge
	Monitor  *health.Monitor
	Recovery *recovery.Manager
	Metrics  *metrics.Registry // optional
}

// Service provides the control plane business logic.
type Service struct {
	store    *store.Store
	pdr      *audit.PDRWriter
	locks    *locks.Manager
	tracker  *progress.Tracker
	bridge   *bridge.Bridge
	monitor  *health.Monitor
	recovery *recovery.Manager
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// NewService creates a new control plane service.
func NewService(c Components, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    c.Store,
		pdr:      c.PDR,
		locks:    c.Locks,
		tracker:  c.Tracker,
		bridge:   c.Bridge,
		monitor:  c.Monitor,
		recovery: c.Recovery,
		metrics:  c.Metrics,
		logger:   logger.With("component", "controlplane"),
	}
}

// record writes a PDR for a mutating action. Audit failures are logged and
// never fail the action itself.
func (s *Service) record(ctx context.Context, action string, inputs interface{}, err error, agent, details string) {
	if _, perr := s.pdr.Record(ctx, action, inputs, audit.Outcome(err), agent, details); perr != nil {
		s.logger.Warn("failed to write pdr", "action", action, "error", perr)
	}
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Roster ---

// HireAgent adds an agent to the roster.
func (s *Service) HireAgent(ctx context.Context, a models.Agent) (*models.Agent, error) {
	a.Name = strings.TrimSpace(a.Name)
	agent, err := s.locks.Hire(ctx, a)
	s.record(ctx, "agent.hire", a, err, a.Name, a.Role)
	return agent, err
}

// FireResult reports what a fire cascade cleaned up.
type FireResult struct {
	Agent    string             `json:"agent"`
	Released []string           `json:"released"`
	Stopped  bool               `json:"stopped"`
	Task     *models.TaskRecord `json:"task,omitempty"`
}

// FireAgent removes an agent: its session is stopped, its active task
// archived as abandoned, its locks released and its requests cancelled. The
// fire is aborted if the task cannot be archived.
func (s *Service) FireAgent(ctx context.Context, name string) (*FireResult, error) {
	ok, err := s.locks.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrInvalidAgent
	}

	res := &FireResult{Agent: name, Released: []string{}}
	switch err := s.bridge.Stop(ctx, name); {
	case err == nil:
		res.Stopped = true
	case !errors.Is(err, models.ErrNotAssigned):
		s.logger.Warn("fire: stop session", "agent", name, "error", err)
	}
	task, err := s.tracker.Abandon(ctx, name)
	if err != nil {
		// The agent stays hired so its task record is never left ownerless.
		err = fmt.Errorf("fire %s: abandon task: %w", name, err)
		s.record(ctx, "agent.fire", map[string]string{"agent": name}, err, name, "")
		return nil, err
	}
	res.Task = task
	if _, err := s.recovery.Clear(ctx, name); err != nil {
		s.logger.Warn("fire: clear escalation", "agent", name, "error", err)
	}

	released, err := s.locks.Fire(ctx, name)
	s.record(ctx, "agent.fire", map[string]string{"agent": name}, err, name, strings.Join(released, ","))
	if err != nil {
		return nil, err
	}
	if released != nil {
		res.Released = released
	}
	return res, nil
}

// AgentView is an agent with its live state.
type AgentView struct {
	models.Agent
	State     bridge.State       `json:"state,omitempty"`
	Health    models.Health      `json:"health,omitempty"`
	Escalated bool               `json:"escalated"`
	Task      *models.TaskRecord `json:"task,omitempty"`
}

// ListAgents returns the roster with bridge state, health and active task.
func (s *Service) ListAgents(ctx context.Context) ([]AgentView, error) {
	agents, err := s.locks.Agents(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		v := AgentView{Agent: a, Escalated: s.recovery.IsEscalated(a.Name), Task: s.tracker.Snapshot(a.Name)}
		if e, ok := s.bridge.Entry(a.Name); ok {
			v.State = e.State
		}
		if h, ok := s.monitor.Record(a.Name); ok {
			v.Health = h.Classification
		}
		views = append(views, v)
	}
	return views, nil
}

// AgentExists reports whether name is on the roster.
func (s *Service) AgentExists(ctx context.Context, name string) (bool, error) {
	return s.locks.Exists(ctx, name)
}

// --- Assignment ---

// Assign hands a task to an agent.
func (s *Service) Assign(ctx context.Context, req bridge.AssignRequest) (*bridge.AssignResult, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	res, err := s.bridge.Assign(ctx, req)
	details := ""
	if res != nil {
		details = res.SessionID
	}
	s.record(ctx, "task.assign", req, err, req.Agent, details)
	return res, err
}

// Stop cancels an agent's assignment. An active task left without a session
// (after a daemon restart) is abandoned and its locks released.
func (s *Service) Stop(ctx context.Context, agent string) error {
	err := s.bridge.Stop(ctx, agent)
	if errors.Is(err, models.ErrNotAssigned) && s.tracker.Snapshot(agent) != nil {
		if _, aerr := s.tracker.Abandon(ctx, agent); aerr != nil {
			err = aerr
		} else {
			_, err = s.locks.Release(ctx, agent, nil)
		}
	}
	s.record(ctx, "task.stop", map[string]string{"agent": agent}, err, agent, "")
	return err
}

// Intent is an already-parsed chat instruction.
type Intent struct {
	Type        string   `json:"type"` // assign or stop
	Agent       string   `json:"agent"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files,omitempty"`
}

// HandleIntent dispatches an intent to Assign or Stop.
func (s *Service) HandleIntent(ctx context.Context, in Intent) (*bridge.AssignResult, error) {
	switch strings.ToLower(in.Type) {
	case "assign":
		return s.Assign(ctx, bridge.AssignRequest{Agent: in.Agent, Description: in.Description, Files: in.Files})
	case "stop":
		return nil, s.Stop(ctx, in.Agent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, in.Type)
	}
}

// ReportProgress records a file progress update from an agent.
func (s *Service) ReportProgress(ctx context.Context, agent, file string, percent int, note string) (*models.TaskRecord, error) {
	return s.bridge.ReportProgress(ctx, agent, file, percent, note)
}

// ReportNote records a work note from an agent.
func (s *Service) ReportNote(ctx context.Context, agent, note string) (*models.TaskRecord, error) {
	return s.bridge.ReportWorkNote(ctx, agent, note)
}

// Task returns the agent's active task.
func (s *Service) Task(agent string) (*models.TaskRecord, error) {
	rec := s.tracker.Snapshot(agent)
	if rec == nil {
		return nil, models.ErrNoActiveTask
	}
	return rec, nil
}

// TaskHistory returns the agent's archived tasks, most recent first.
func (s *Service) TaskHistory(ctx context.Context, agent string, limit int) ([]*models.TaskRecord, error) {
	return s.tracker.History(ctx, agent, limit)
}

// --- Locks ---

// Lock acquires files for an agent.
func (s *Service) Lock(ctx context.Context, agent string, files []string, reason string) (map[string]models.LockOutcome, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: files are required", ErrInvalidInput)
	}
	out, err := s.locks.Lock(ctx, agent, files, reason)
	s.record(ctx, "lock.acquire", map[string]interface{}{"agent": agent, "files": files}, err, agent, reason)
	return out, err
}

// Release releases files, or all the agent's files when none are given.
func (s *Service) Release(ctx context.Context, agent string, files []string) ([]string, error) {
	released, err := s.locks.Release(ctx, agent, files)
	s.record(ctx, "lock.release", map[string]interface{}{"agent": agent, "files": files}, err, agent, strings.Join(released, ","))
	if released == nil {
		released = []string{}
	}
	return released, err
}

// Locks lists held locks, optionally for one agent.
func (s *Service) Locks(ctx context.Context, agent string) ([]models.FileLock, error) {
	return s.locks.Locks(ctx, agent)
}

// RequestFile asks the owner of file to hand it over.
func (s *Service) RequestFile(ctx context.Context, requester, file, reason string) (models.RequestResult, error) {
	res, err := s.locks.Request(ctx, requester, file, reason)
	s.record(ctx, "lock.request", map[string]string{"requester": requester, "file": file}, err, requester, res.String())
	return res, err
}

// Approve resolves a request by transferring the lock.
func (s *Service) Approve(ctx context.Context, id string) (bool, error) {
	ok, err := s.locks.Approve(ctx, id)
	s.record(ctx, "request.approve", map[string]string{"id": id}, err, "", fmt.Sprintf("approved=%t", ok))
	return ok, err
}

// Deny resolves a request without transferring the lock.
func (s *Service) Deny(ctx context.Context, id string) (bool, error) {
	ok, err := s.locks.Deny(ctx, id)
	s.record(ctx, "request.deny", map[string]string{"id": id}, err, "", fmt.Sprintf("denied=%t", ok))
	return ok, err
}

// Requests lists file requests, optionally filtered by status.
func (s *Service) Requests(ctx context.Context, status models.RequestStatus) ([]models.FileRequest, error) {
	return s.locks.Requests(ctx, status)
}

// --- Health & recovery ---

// StatusReport is the fleet overview.
type StatusReport struct {
	Bridge      bridge.Status         `json:"bridge"`
	Health      []models.HealthRecord `json:"health"`
	Monitor     health.Stats          `json:"monitor"`
	Escalations []models.Escalation   `json:"escalations"`
	Pending     int                   `json:"pending_requests"`
}

// Status returns the fleet overview.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	pending, err := s.locks.Requests(ctx, models.RequestPending)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Bridge:      s.bridge.Status(),
		Health:      s.monitor.Records(),
		Monitor:     s.monitor.Stats(),
		Escalations: s.recovery.Escalations(),
		Pending:     len(pending),
	}, nil
}

// AgentHealth returns the latest health classification of one agent.
func (s *Service) AgentHealth(agent string) (models.HealthRecord, bool) {
	return s.monitor.Record(agent)
}

// CheckHealth runs a watchdog pass immediately.
func (s *Service) CheckHealth(ctx context.Context) []models.HealthRecord {
	return s.monitor.TickNow(ctx)
}

// Recover runs a manual recovery attempt.
func (s *Service) Recover(ctx context.Context, agent string) (*models.RecoveryAttempt, error) {
	ok, err := s.locks.Exists(ctx, agent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrInvalidAgent
	}
	attempt, err := s.recovery.Recover(ctx, agent, "manual")
	s.record(ctx, "recovery.run", map[string]string{"agent": agent}, err, agent, "")
	return attempt, err
}

// ClearEscalation lifts an escalation.
func (s *Service) ClearEscalation(ctx context.Context, agent string) (bool, error) {
	cleared, err := s.recovery.Clear(ctx, agent)
	s.record(ctx, "recovery.clear", map[string]string{"agent": agent}, err, agent, fmt.Sprintf("cleared=%t", cleared))
	return cleared, err
}

// RecoverySummary aggregates the recovery log.
func (s *Service) RecoverySummary(ctx context.Context) (*recovery.Summary, error) {
	return s.recovery.Summary(ctx)
}

// RecoveryHistory returns recent recovery attempts.
func (s *Service) RecoveryHistory(ctx context.Context, hours int) ([]models.RecoveryAttempt, error) {
	out, err := s.recovery.History(ctx, hours)
	if out == nil {
		out = []models.RecoveryAttempt{}
	}
	return out, err
}

// Metrics returns the in-process metrics snapshot.
func (s *Service) Metrics() metrics.Snapshot {
	if s.metrics == nil {
		return metrics.Snapshot{Counters: []metrics.Point{}, Gauges: []metrics.Point{}}
	}
	return s.metrics.Snapshot()
}

// Audit returns recent decision records.
func (s *Service) Audit(ctx context.Context, limit int) ([]models.PDREntry, error) {
	return s.store.ListPDR(ctx, limit)
}
