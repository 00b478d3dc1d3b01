package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownIntent = errors.New("unknown intent")
)
