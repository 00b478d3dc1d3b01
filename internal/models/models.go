// Package models defines the core domain types for foreman.
package models

import (
	"sort"
	"time"
)

// Agent is a named worker identity that can hold file locks and own at most
// one active task.
type Agent struct {
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
}

// FileLock is an exclusive claim on a single file path by one agent.
type FileLock struct {
	FilePath   string    `json:"file_path"`
	Owner      string    `json:"owner"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// LockOutcome is the per-file result of a lock call.
type LockOutcome string

const (
	LockLocked        LockOutcome = "locked"
	LockLockedByOther LockOutcome = "locked_by_other"
)

// RequestStatus represents the lifecycle of a file request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestDenied    RequestStatus = "denied"
	RequestCancelled RequestStatus = "cancelled"
)

// FileRequest asks the current owner of a file to hand it over.
type FileRequest struct {
	ID         string        `json:"id"`
	FilePath   string        `json:"file_path"`
	Requester  string        `json:"requester"`
	Owner      string        `json:"owner"` // owner at request time
	Reason     string        `json:"reason,omitempty"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// RequestOutcome classifies the result of a file request.
type RequestOutcome string

const (
	RequestFileNotLocked RequestOutcome = "file_not_locked"
	RequestAlreadyOwner  RequestOutcome = "already_owner"
	RequestSent          RequestOutcome = "request_sent"
)

// RequestResult is returned by a file request. RequestID is only set when a
// pending request was created.
type RequestResult struct {
	Outcome   RequestOutcome `json:"outcome"`
	Owner     string         `json:"owner,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// String renders the result the way chat replies expect it,
// e.g. "request_sent_to_alice".
func (r RequestResult) String() string {
	if r.Outcome == RequestSent {
		return "request_sent_to_" + r.Owner
	}
	return string(r.Outcome)
}

// TaskStatus represents the state of a task record.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskAbandoned TaskStatus = "abandoned"
)

// FileProgress is the per-file completion state of a task.
type FileProgress struct {
	Percent int    `json:"percent"`
	Note    string `json:"note"`
}

// TaskRecord tracks one agent's task and its per-file progress.
type TaskRecord struct {
	ID              int64                   `json:"id,omitempty"` // archive row id, zero while active
	Owner           string                  `json:"owner"`
	Description     string                  `json:"description"`
	Files           map[string]FileProgress `json:"files"`
	OverallProgress int                     `json:"overall_progress"`
	CurrentWork     string                  `json:"current_work,omitempty"`
	Status          TaskStatus              `json:"status"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the record.
func (t *TaskRecord) Clone() *TaskRecord {
	if t == nil {
		return nil
	}
	c := *t
	c.Files = make(map[string]FileProgress, len(t.Files))
	for k, v := range t.Files {
		c.Files[k] = v
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// FilePaths returns the task's files in sorted order.
func (t *TaskRecord) FilePaths() []string {
	paths := make([]string, 0, len(t.Files))
	for p := range t.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Health classifies an agent's condition as seen by the health monitor.
type Health string

const (
	HealthHealthy  Health = "HEALTHY"
	HealthStuck    Health = "STUCK"
	HealthStagnant Health = "STAGNANT"
	HealthError    Health = "ERROR"
)

// HealthRecord is the latest classification of one agent.
type HealthRecord struct {
	Agent            string    `json:"agent"`
	Classification   Health    `json:"classification"`
	Reason           string    `json:"reason,omitempty"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	CheckedAt        time.Time `json:"checked_at"`
}

// RecoveryOutcome is the result of one recovery attempt.
type RecoveryOutcome string

const (
	RecoverySuccess RecoveryOutcome = "success"
	RecoveryFailure RecoveryOutcome = "failure"
)

// RecoveryAttempt is an append-only record of an automated recovery action.
type RecoveryAttempt struct {
	ID        int64           `json:"id"`
	Agent     string          `json:"agent"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason,omitempty"`
	Outcome   RecoveryOutcome `json:"outcome"`
	Escalated bool            `json:"escalated"`
	Detail    string          `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Escalation marks an agent whose automatic recovery has been suppressed.
type Escalation struct {
	Agent       string    `json:"agent"`
	Reason      string    `json:"reason"`
	EscalatedAt time.Time `json:"escalated_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Agent      string    `json:"agent,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
