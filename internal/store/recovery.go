package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/foreman/internal/models"
)

// --- Recovery Operations ---

// InsertRecoveryAttempt appends an attempt to the recovery log and sets its ID.
func (s *Store) InsertRecoveryAttempt(ctx context.Context, a *models.RecoveryAttempt) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	escalated := 0
	if a.Escalated {
		escalated = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_attempts (agent, action, reason, outcome, escalated, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Agent, a.Action, a.Reason, a.Outcome, escalated, a.Detail, a.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert recovery attempt: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// ListRecoveryAttempts returns attempts recorded at or after since, oldest
// first. A zero since returns the whole log.
func (s *Store) ListRecoveryAttempts(ctx context.Context, since time.Time) ([]models.RecoveryAttempt, error) {
	query := `SELECT id, agent, action, reason, outcome, escalated, detail, timestamp FROM recovery_attempts`
	var args []interface{}
	if !since.IsZero() {
		query += ` WHERE timestamp >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recovery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.RecoveryAttempt
	for rows.Next() {
		var a models.RecoveryAttempt
		var reason, detail sql.NullString
		var escalated int
		if err := rows.Scan(&a.ID, &a.Agent, &a.Action, &reason, &a.Outcome, &escalated, &detail, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan recovery attempt: %w", err)
		}
		a.Reason = reason.String
		a.Detail = detail.String
		a.Escalated = escalated != 0
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// SetEscalated persists or clears the escalation flag for an agent.
func (s *Store) SetEscalated(ctx context.Context, agent string, escalated bool, reason string) error {
	var err error
	if escalated {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO escalations (agent, reason, escalated_at) VALUES (?, ?, ?)
			 ON CONFLICT(agent) DO UPDATE SET reason = excluded.reason, escalated_at = excluded.escalated_at`,
			agent, reason, time.Now().UTC(),
		)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM escalations WHERE agent = ?`, agent)
	}
	if err != nil {
		return fmt.Errorf("set escalation: %w", err)
	}
	return nil
}

// ListEscalated returns every escalated agent.
func (s *Store) ListEscalated(ctx context.Context) ([]models.Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent, reason, escalated_at FROM escalations ORDER BY agent`)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var out []models.Escalation
	for rows.Next() {
		var e models.Escalation
		var reason sql.NullString
		if err := rows.Scan(&e.Agent, &reason, &e.EscalatedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.Reason = reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, entry *models.PDREntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, agent, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, entry.Agent, entry.Details, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert pdr: %w", err)
	}
	return nil
}

// ListPDR returns the most recent audit records, newest first.
func (s *Store) ListPDR(ctx context.Context, limit int) ([]models.PDREntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, agent, details, timestamp FROM pdr ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var out []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var agent, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &agent, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.Agent = agent.String
		e.Details = details.String
		out = append(out, e)
	}
	return out, rows.Err()
}
