// Package executor starts and supervises worker sessions. A session is one
// run of an external coding agent working on one task for one agent.
package executor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownSession is returned for session ids the executor does not track.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNotAllowed is returned when the worker command is not allowlisted.
	ErrNotAllowed = errors.New("command not allowed")
)

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	SessionID     string    `json:"session_id"`
	Running       bool      `json:"running"`
	Done          bool      `json:"done"` // finished successfully
	Output        string    `json:"output,omitempty"`
	ExitCode      int       `json:"exit_code"`
	Fault         string    `json:"fault,omitempty"` // non-empty on a fatal failure
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Executor is the execution layer the bridge drives.
type Executor interface {
	// Name returns the executor identifier.
	Name() string

	// Start begins a session for agent working on description.
	Start(ctx context.Context, agent, description string) (string, error)

	// IsRunning reports whether the session is still executing.
	IsRunning(ctx context.Context, sessionID string) (bool, error)

	// Status returns the session's state, output and last heartbeat.
	Status(ctx context.Context, sessionID string) (SessionStatus, error)

	// Stop terminates the session. Stopping a finished session is a no-op.
	Stop(ctx context.Context, sessionID string) error
}
