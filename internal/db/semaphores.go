package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vclsched/vclsched/internal/models"
)

// TryAcquireSemaphore inserts sem unless an unexpired semaphore on the same
// computer overlaps its window. It reports whether the lock was taken.
//
// Expired rows for the computer are dropped first, in the same transaction, so
// an abandoned semaphore never blocks its own window.
func (s *Store) TryAcquireSemaphore(ctx context.Context, sem models.Semaphore, now time.Time) (int64, bool, error) {
	if err := s.check(); err != nil {
		return 0, false, err
	}
	if sem.ComputerID <= 0 {
		return 0, false, errors.New("semaphore computer id is required")
	}
	if strings.TrimSpace(sem.Owner) == "" || strings.TrimSpace(sem.Nonce) == "" {
		return 0, false, errors.New("semaphore owner and nonce are required")
	}
	if !sem.End.After(sem.Start) {
		return 0, false, errors.New("semaphore end must be after start")
	}
	start := formatTime(sem.Start)
	end := formatTime(sem.End)
	var id int64
	var acquired bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM semaphores WHERE computer_id = ? AND expires_at <= ?`,
			sem.ComputerID, formatTime(now)); err != nil {
			return fmt.Errorf("expire semaphores for computer %d: %w", sem.ComputerID, err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO semaphores (
			computer_id, image_id, image_revision_id, mgmt_node_id, start_at, end_at, owner, nonce, expires_at
		) SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM semaphores
			WHERE computer_id = ? AND start_at < ? AND end_at > ?
		)
		ON CONFLICT(computer_id, start_at, end_at) DO NOTHING`,
			sem.ComputerID, sem.ImageID, sem.ImageRevisionID, sem.ManagementNodeID, start, end,
			sem.Owner, sem.Nonce, formatTime(sem.ExpiresAt),
			sem.ComputerID, end, start,
		)
		if err != nil {
			return fmt.Errorf("acquire semaphore for computer %d: %w", sem.ComputerID, err)
		}
		if acquired, err = rowsChanged(res, "acquire semaphore", sem.ComputerID); err != nil || !acquired {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("semaphore id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, acquired, nil
}

// ReleaseSemaphore deletes a semaphore held by owner/nonce. Releasing a
// semaphore that no longer exists is not an error.
func (s *Store) ReleaseSemaphore(ctx context.Context, id int64, owner, nonce string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM semaphores WHERE id = ? AND owner = ? AND nonce = ?`, id, owner, nonce)
	if err != nil {
		return false, fmt.Errorf("release semaphore %d: %w", id, err)
	}
	return rowsChanged(res, "release semaphore", id)
}

// ReleaseSemaphoresByOwner deletes every semaphore held by owner.
func (s *Store) ReleaseSemaphoresByOwner(ctx context.Context, owner string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return 0, errors.New("semaphore owner is required")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM semaphores WHERE owner = ?`, owner)
	if err != nil {
		return 0, fmt.Errorf("release semaphores for %s: %w", owner, err)
	}
	return res.RowsAffected()
}

// DeleteExpiredSemaphores removes semaphores that expired at or before now.
func (s *Store) DeleteExpiredSemaphores(ctx context.Context, now time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM semaphores WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired semaphores: %w", err)
	}
	return res.RowsAffected()
}

// ListSemaphores returns every semaphore row, expired ones included.
func (s *Store) ListSemaphores(ctx context.Context) ([]models.Semaphore, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, computer_id, image_id, image_revision_id, mgmt_node_id,
		start_at, end_at, owner, nonce, expires_at FROM semaphores ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list semaphores: %w", err)
	}
	defer rows.Close()
	var out []models.Semaphore
	for rows.Next() {
		var sem models.Semaphore
		var start, end, expires string
		if err := rows.Scan(&sem.ID, &sem.ComputerID, &sem.ImageID, &sem.ImageRevisionID, &sem.ManagementNodeID,
			&start, &end, &sem.Owner, &sem.Nonce, &expires); err != nil {
			return nil, err
		}
		if sem.Start, err = parseTime(start); err != nil {
			return nil, fmt.Errorf("parse start_at: %w", err)
		}
		if sem.End, err = parseTime(end); err != nil {
			return nil, fmt.Errorf("parse end_at: %w", err)
		}
		if sem.ExpiresAt, err = parseTime(expires); err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		out = append(out, sem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate semaphores: %w", err)
	}
	return out, nil
}
