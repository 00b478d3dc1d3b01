package models

import "errors"

// Sentinel errors shared across the orchestration core.
var (
	ErrInvalidAgent      = errors.New("unknown agent")
	ErrAgentExists       = errors.New("agent already hired")
	ErrResourceConflict  = errors.New("file locked by another agent")
	ErrRequestNotFound   = errors.New("file request not found")
	ErrAlreadyResolved   = errors.New("file request already resolved")
	ErrOwnerChanged      = errors.New("file owner changed since request")
	ErrSessionStart      = errors.New("session failed to start")
	ErrRecoveryExhausted = errors.New("recovery exhausted; agent escalated")
	ErrAlreadyAssigned   = errors.New("agent already has an assignment")
	ErrNotAssigned       = errors.New("agent has no assignment")
	ErrTaskExists        = errors.New("agent already has an active task")
	ErrNoActiveTask      = errors.New("agent has no active task")
	ErrUnknownFile       = errors.New("file is not part of the task")
	ErrInvalidPercent    = errors.New("percent must be between 0 and 100")
)
