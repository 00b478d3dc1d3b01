package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fentz26/foreman/internal/models"
)

// --- Task Operations ---

const activeTaskColumns = `owner, description, files, overall_progress, current_work, status, created_at, updated_at`

// InsertActiveTask stores a new active task. Returns models.ErrTaskExists when
// the owner already has one.
func (s *Store) InsertActiveTask(ctx context.Context, task *models.TaskRecord) error {
	files, err := json.Marshal(task.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+activeTaskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.Owner, task.Description, string(files), task.OverallProgress, task.CurrentWork,
		task.Status, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrTaskExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// SaveActiveTask overwrites the mutable fields of an active task.
func (s *Store) SaveActiveTask(ctx context.Context, task *models.TaskRecord) error {
	files, err := json.Marshal(task.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET files = ?, overall_progress = ?, current_work = ?, updated_at = ? WHERE owner = ?`,
		string(files), task.OverallProgress, task.CurrentWork, task.UpdatedAt, task.Owner,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return models.ErrNoActiveTask
	}
	return nil
}

// GetActiveTask returns the owner's active task, or nil if there is none.
func (s *Store) GetActiveTask(ctx context.Context, owner string) (*models.TaskRecord, error) {
	task, err := scanActiveTask(s.db.QueryRowContext(ctx,
		`SELECT `+activeTaskColumns+` FROM tasks WHERE owner = ?`, owner))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListActiveTasks returns every active task ordered by owner.
func (s *Store) ListActiveTasks(ctx context.Context) ([]*models.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+activeTaskColumns+` FROM tasks ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.TaskRecord
	for rows.Next() {
		task, err := scanActiveTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ArchiveActiveTask moves the owner's active task into the archive with the
// given terminal status and clears the active slot, in one transaction.
// Returns nil, nil when the owner has no active task.
func (s *Store) ArchiveActiveTask(ctx context.Context, owner string, status models.TaskStatus, at time.Time) (*models.TaskRecord, error) {
	at = at.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := scanActiveTask(tx.QueryRowContext(ctx,
		`SELECT `+activeTaskColumns+` FROM tasks WHERE owner = ?`, owner))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}

	files, err := json.Marshal(task.Files)
	if err != nil {
		return nil, fmt.Errorf("marshal files: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO task_archive (`+activeTaskColumns+`, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.Owner, task.Description, string(files), task.OverallProgress, task.CurrentWork,
		status, task.CreatedAt, at, at,
	)
	if err != nil {
		return nil, fmt.Errorf("archive task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE owner = ?`, owner); err != nil {
		return nil, fmt.Errorf("clear active task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	task.ID, _ = res.LastInsertId()
	task.Status = status
	task.UpdatedAt = at
	task.CompletedAt = &at
	return task, nil
}

// ListArchivedTasks returns the owner's archived tasks, most recent first.
// A limit of zero or less returns the whole archive.
func (s *Store) ListArchivedTasks(ctx context.Context, owner string, limit int) ([]*models.TaskRecord, error) {
	query := `SELECT id, ` + activeTaskColumns + `, completed_at FROM task_archive WHERE owner = ? ORDER BY completed_at DESC, id DESC`
	args := []interface{}{owner}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var tasks []*models.TaskRecord
	for rows.Next() {
		task, err := scanArchivedTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archived task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// LastArchivedTask returns the owner's most recently completed task, or nil.
// Abandoned tasks are skipped.
func (s *Store) LastArchivedTask(ctx context.Context, owner string) (*models.TaskRecord, error) {
	task, err := scanArchivedTask(s.db.QueryRowContext(ctx,
		`SELECT id, `+activeTaskColumns+`, completed_at FROM task_archive
		 WHERE owner = ? AND status = ? ORDER BY completed_at DESC, id DESC LIMIT 1`,
		owner, models.TaskCompleted))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	return task, nil
}

func scanActiveTask(row rowScanner) (*models.TaskRecord, error) {
	var task models.TaskRecord
	var files string
	var work sql.NullString
	if err := row.Scan(&task.Owner, &task.Description, &files, &task.OverallProgress, &work,
		&task.Status, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.CurrentWork = work.String
	if err := json.Unmarshal([]byte(files), &task.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	if task.Files == nil {
		task.Files = map[string]models.FileProgress{}
	}
	return &task, nil
}

func scanArchivedTask(row rowScanner) (*models.TaskRecord, error) {
	var task models.TaskRecord
	var files string
	var work sql.NullString
	var completedAt time.Time
	if err := row.Scan(&task.ID, &task.Owner, &task.Description, &files, &task.OverallProgress, &work,
		&task.Status, &task.CreatedAt, &task.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	task.CurrentWork = work.String
	task.CompletedAt = &completedAt
	if err := json.Unmarshal([]byte(files), &task.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	if task.Files == nil {
		task.Files = map[string]models.FileProgress{}
	}
	return &task, nil
}
