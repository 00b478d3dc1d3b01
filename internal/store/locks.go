package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/foreman/internal/models"
)

// --- Lock Operations ---

// AcquireLock attempts to take filePath for owner and returns whoever holds
// the file afterwards. The insert-if-absent and the holder read run in one
// immediate transaction, so two racing callers can never both come back as
// holder. A holder equal to owner means the lock is held (new or re-lock).
func (s *Store) AcquireLock(ctx context.Context, filePath, owner, reason string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO file_locks (file_path, owner, reason, acquired_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(file_path) DO NOTHING`,
		filePath, owner, reason, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert lock: %w", err)
	}

	var holder string
	if err := tx.QueryRowContext(ctx, `SELECT owner FROM file_locks WHERE file_path = ?`, filePath).Scan(&holder); err != nil {
		return "", fmt.Errorf("read lock holder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return holder, nil
}

// ReleaseLocks deletes the named locks that owner actually holds, or every
// lock owner holds when files is nil. Foreign or unlocked paths are skipped.
func (s *Store) ReleaseLocks(ctx context.Context, owner string, files []string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var released []string
	if files == nil {
		released, err = selectOwnedFiles(ctx, tx, owner)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM file_locks WHERE owner = ?`, owner); err != nil {
			return nil, fmt.Errorf("delete locks: %w", err)
		}
	} else {
		for _, f := range files {
			res, err := tx.ExecContext(ctx, `DELETE FROM file_locks WHERE file_path = ? AND owner = ?`, f, owner)
			if err != nil {
				return nil, fmt.Errorf("delete lock %s: %w", f, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				released = append(released, f)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return released, nil
}

// GetLock returns the lock on filePath, or nil if the file is free.
func (s *Store) GetLock(ctx context.Context, filePath string) (*models.FileLock, error) {
	var lock models.FileLock
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT file_path, owner, reason, acquired_at FROM file_locks WHERE file_path = ?`, filePath,
	).Scan(&lock.FilePath, &lock.Owner, &reason, &lock.AcquiredAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	lock.Reason = reason.String
	return &lock, nil
}

// ListLocks returns all locks, or only those held by owner when non-empty.
func (s *Store) ListLocks(ctx context.Context, owner string) ([]models.FileLock, error) {
	query := `SELECT file_path, owner, reason, acquired_at FROM file_locks`
	var args []interface{}
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY file_path`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var locks []models.FileLock
	for rows.Next() {
		var lock models.FileLock
		var reason sql.NullString
		if err := rows.Scan(&lock.FilePath, &lock.Owner, &reason, &lock.AcquiredAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		lock.Reason = reason.String
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

func selectOwnedFiles(ctx context.Context, tx *sql.Tx, owner string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT file_path FROM file_locks WHERE owner = ? ORDER BY file_path`, owner)
	if err != nil {
		return nil, fmt.Errorf("query owned locks: %w", err)
	}
	defer rows.Close()

	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan owned lock: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// --- Request Operations ---

// CreateFileRequest inserts a pending file request.
func (s *Store) CreateFileRequest(ctx context.Context, req *models.FileRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Status == "" {
		req.Status = models.RequestPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_requests (id, file_path, requester, owner, reason, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.FilePath, req.Requester, req.Owner, req.Reason, req.Status, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert file request: %w", err)
	}
	return nil
}

// GetFileRequest retrieves a request by ID. Returns nil, nil when absent.
func (s *Store) GetFileRequest(ctx context.Context, id string) (*models.FileRequest, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT id, file_path, requester, owner, reason, status, created_at, resolved_at FROM file_requests WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query file request: %w", err)
	}
	return req, nil
}

// ListFileRequests returns requests, newest first, optionally filtered by status.
func (s *Store) ListFileRequests(ctx context.Context, status models.RequestStatus) ([]models.FileRequest, error) {
	query := `SELECT id, file_path, requester, owner, reason, status, created_at, resolved_at FROM file_requests`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query file requests: %w", err)
	}
	defer rows.Close()

	var reqs []models.FileRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file request: %w", err)
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

// ResolveFileRequest approves or denies a pending request in one transaction.
//
// Approval re-checks that the file is still held by the owner recorded at
// request time and moves the lock to the requester. A request whose owner
// changed is cancelled and ErrOwnerChanged is returned. Missing and already
// resolved requests return ErrRequestNotFound and ErrAlreadyResolved.
func (s *Store) ResolveFileRequest(ctx context.Context, id string, approve bool) (*models.FileRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	req, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT id, file_path, requester, owner, reason, status, created_at, resolved_at FROM file_requests WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, models.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query file request: %w", err)
	}
	if req.Status != models.RequestPending {
		return req, models.ErrAlreadyResolved
	}

	now := time.Now().UTC()
	status := models.RequestDenied
	var resolveErr error

	if approve {
		var holder string
		err := tx.QueryRowContext(ctx, `SELECT owner FROM file_locks WHERE file_path = ?`, req.FilePath).Scan(&holder)
		if err != nil && !isNoRows(err) {
			return nil, fmt.Errorf("read lock holder: %w", err)
		}

		if holder != req.Owner {
			status = models.RequestCancelled
			resolveErr = models.ErrOwnerChanged
		} else {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM file_locks WHERE file_path = ? AND owner = ?`, req.FilePath, req.Owner); err != nil {
				return nil, fmt.Errorf("release lock: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO file_locks (file_path, owner, reason, acquired_at) VALUES (?, ?, ?, ?)`,
				req.FilePath, req.Requester, req.Reason, now); err != nil {
				return nil, fmt.Errorf("grant lock: %w", err)
			}
			status = models.RequestApproved
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE file_requests SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		status, now, id, models.RequestPending,
	)
	if err != nil {
		return nil, fmt.Errorf("update file request: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return nil, models.ErrAlreadyResolved
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	req.Status = status
	req.ResolvedAt = &now
	return req, resolveErr
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*models.FileRequest, error) {
	var req models.FileRequest
	var reason sql.NullString
	var resolvedAt sql.NullTime
	if err := row.Scan(&req.ID, &req.FilePath, &req.Requester, &req.Owner, &reason, &req.Status, &req.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	req.Reason = reason.String
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	return &req, nil
}
