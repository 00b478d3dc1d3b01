// Package locks implements exclusive per-file ownership for hired agents.
//
// Multi-file lock calls are opportunistic: each file is evaluated on its own
// and the caller gets a per-file outcome. The check-and-set for a single file
// is one store transaction, so two agents racing for the same path can never
// both see LockLocked.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fentz26/foreman/internal/metrics"
	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/store"
)

// Manager owns the roster, the file-to-holder mapping and the request queue.
type Manager struct {
	store   *store.Store
	metrics metrics.Sink
	logger  *slog.Logger
}

// NewManager creates a lock manager backed by s. A nil sink disables metrics.
func NewManager(s *store.Store, sink metrics.Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   s,
		metrics: metrics.OrNop(sink),
		logger:  logger.With("component", "locks"),
	}
}

// Hire adds an agent to the roster.
func (m *Manager) Hire(ctx context.Context, agent models.Agent) (*models.Agent, error) {
	if agent.Name == "" {
		return nil, fmt.Errorf("%w: name is required", models.ErrInvalidAgent)
	}
	if err := m.store.CreateAgent(ctx, &agent); err != nil {
		return nil, err
	}
	m.logger.Info("agent hired", "agent", agent.Name, "role", agent.Role)
	return &agent, nil
}

// Fire removes an agent, releasing every lock it holds and cancelling every
// pending request it raised or that targets it. Returns the released files.
func (m *Manager) Fire(ctx context.Context, name string) ([]string, error) {
	released, err := m.store.FireAgent(ctx, name)
	if err != nil {
		return nil, err
	}
	m.logger.Info("agent fired", "agent", name, "released", len(released))
	return released, nil
}

// Agents lists the roster.
func (m *Manager) Agents(ctx context.Context) ([]models.Agent, error) {
	return m.store.ListAgents(ctx)
}

// Exists reports whether name is hired.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	return m.store.AgentExists(ctx, name)
}

// Lock tries to take each file for agent. Files already held by agent count
// as locked. A conflict on one file does not affect the others.
func (m *Manager) Lock(ctx context.Context, agent string, files []string, reason string) (map[string]models.LockOutcome, error) {
	if err := m.requireAgent(ctx, agent); err != nil {
		return nil, err
	}

	outcomes := make(map[string]models.LockOutcome, len(files))
	for _, f := range files {
		holder, err := m.store.AcquireLock(ctx, f, agent, reason)
		if err != nil {
			return outcomes, fmt.Errorf("lock %s: %w", f, err)
		}
		if holder == agent {
			outcomes[f] = models.LockLocked
			m.metrics.IncCounter("locks_acquired_total", nil, 1)
			continue
		}
		outcomes[f] = models.LockLockedByOther
		m.metrics.IncCounter("locks_conflicts_total", nil, 1)
		m.logger.Debug("lock conflict", "file", f, "agent", agent, "holder", holder)
	}
	return outcomes, nil
}

// Release drops the named files held by agent, or every file it holds when
// files is nil. Files the agent does not hold are skipped.
func (m *Manager) Release(ctx context.Context, agent string, files []string) ([]string, error) {
	released, err := m.store.ReleaseLocks(ctx, agent, files)
	if err != nil {
		return nil, err
	}
	if len(released) > 0 {
		m.logger.Debug("locks released", "agent", agent, "files", released)
	}
	return released, nil
}

// Request asks the holder of file to hand it to requester. Only an actual
// conflict creates a pending request.
func (m *Manager) Request(ctx context.Context, requester, file, reason string) (models.RequestResult, error) {
	if err := m.requireAgent(ctx, requester); err != nil {
		return models.RequestResult{}, err
	}

	lock, err := m.store.GetLock(ctx, file)
	if err != nil {
		return models.RequestResult{}, err
	}
	if lock == nil {
		return models.RequestResult{Outcome: models.RequestFileNotLocked}, nil
	}
	if lock.Owner == requester {
		return models.RequestResult{Outcome: models.RequestAlreadyOwner, Owner: requester}, nil
	}

	req := &models.FileRequest{
		ID:        uuid.New().String(),
		FilePath:  file,
		Requester: requester,
		Owner:     lock.Owner,
		Reason:    reason,
	}
	if err := m.store.CreateFileRequest(ctx, req); err != nil {
		return models.RequestResult{}, err
	}
	m.metrics.IncCounter("lock_requests_total", nil, 1)
	m.logger.Info("file requested", "file", file, "requester", requester, "owner", lock.Owner, "request_id", req.ID)

	return models.RequestResult{Outcome: models.RequestSent, Owner: lock.Owner, RequestID: req.ID}, nil
}

// Approve resolves a pending request and moves the lock to the requester.
// Returns false when the request is missing, already resolved, or the file
// changed hands since the request was made.
func (m *Manager) Approve(ctx context.Context, id string) (bool, error) {
	return m.resolve(ctx, id, true)
}

// Deny resolves a pending request without moving the lock.
func (m *Manager) Deny(ctx context.Context, id string) (bool, error) {
	return m.resolve(ctx, id, false)
}

func (m *Manager) resolve(ctx context.Context, id string, approve bool) (bool, error) {
	req, err := m.store.ResolveFileRequest(ctx, id, approve)
	switch {
	case errors.Is(err, models.ErrRequestNotFound), errors.Is(err, models.ErrAlreadyResolved):
		return false, nil
	case errors.Is(err, models.ErrOwnerChanged):
		m.logger.Info("request cancelled, owner changed", "request_id", id, "file", req.FilePath)
		return false, nil
	case err != nil:
		return false, err
	}
	m.logger.Info("request resolved", "request_id", id, "file", req.FilePath, "status", req.Status)
	return true, nil
}

// Owner returns the holder of file, or "" when it is free.
func (m *Manager) Owner(ctx context.Context, file string) (string, error) {
	lock, err := m.store.GetLock(ctx, file)
	if err != nil || lock == nil {
		return "", err
	}
	return lock.Owner, nil
}

// Locks lists current locks, optionally only those held by agent.
func (m *Manager) Locks(ctx context.Context, agent string) ([]models.FileLock, error) {
	return m.store.ListLocks(ctx, agent)
}

// Requests lists file requests, optionally filtered by status.
func (m *Manager) Requests(ctx context.Context, status models.RequestStatus) ([]models.FileRequest, error) {
	return m.store.ListFileRequests(ctx, status)
}

// GetRequest returns a single file request, or nil.
func (m *Manager) GetRequest(ctx context.Context, id string) (*models.FileRequest, error) {
	return m.store.GetFileRequest(ctx, id)
}

func (m *Manager) requireAgent(ctx context.Context, name string) error {
	ok, err := m.store.AgentExists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrInvalidAgent
	}
	return nil
}
