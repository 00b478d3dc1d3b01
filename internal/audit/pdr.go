// Package audit provides PDR (Process Decision Record) writing for foreman.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/foreman/internal/models"
)

// Outcomes recorded on every PDR.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Sink persists audit records. *store.Store satisfies it.
type Sink interface {
	WritePDR(ctx context.Context, entry *models.PDREntry) error
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(sink Sink) *PDRWriter {
	return &PDRWriter{sink: sink}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs interface{}, outcome, agent, details string) (*models.PDREntry, error) {
	entry := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: hashInputs(inputs),
		Outcome:    outcome,
		Agent:      agent,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}
	if err := w.sink.WritePDR(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Outcome maps an operation error to a PDR outcome string.
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
