package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/foreman/internal/models"
)

// --- Roster Operations ---

// CreateAgent inserts a new agent. Returns models.ErrAgentExists when the
// name is taken.
func (s *Store) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (name, role, capabilities, created_at) VALUES (?, ?, ?, ?)`,
		agent.Name, agent.Role, string(caps), agent.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrAgentExists
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by name. Returns nil, nil when absent.
func (s *Store) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	var agent models.Agent
	var caps string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, role, capabilities, created_at FROM agents WHERE name = ?`, name,
	).Scan(&agent.Name, &agent.Role, &caps, &agent.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return &agent, nil
}

// AgentExists reports whether an agent with the given name is hired.
func (s *Store) AgentExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query agent: %w", err)
	}
	return n > 0, nil
}

// ListAgents returns all hired agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, role, capabilities, created_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var agent models.Agent
		var caps string
		if err := rows.Scan(&agent.Name, &agent.Role, &caps, &agent.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// FireAgent removes an agent in a single transaction: every lock it holds is
// released, every pending request it raised or that targets it is cancelled,
// and its active task row goes with the agent. Returns the released files.
func (s *Store) FireAgent(ctx context.Context, name string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents WHERE name = ?`, name).Scan(&n); err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	if n == 0 {
		return nil, models.ErrInvalidAgent
	}

	released, err := selectOwnedFiles(ctx, tx, name)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM file_locks WHERE owner = ?`, name); err != nil {
		return nil, fmt.Errorf("release locks: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE file_requests SET status = ?, resolved_at = ? WHERE status = ? AND (requester = ? OR owner = ?)`,
		models.RequestCancelled, now, models.RequestPending, name, name,
	); err != nil {
		return nil, fmt.Errorf("cancel requests: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE owner = ?`, name); err != nil {
		return nil, fmt.Errorf("delete active task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name); err != nil {
		return nil, fmt.Errorf("delete agent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return released, nil
}

// isUniqueViolation checks if err is a UNIQUE or PRIMARY KEY constraint error.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}
