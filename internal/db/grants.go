package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AllComputers is the computer id that grants manage rights on every computer.
const AllComputers = 0

// GrantManage gives actor the manage capability on computerID.
func (s *Store) GrantManage(ctx context.Context, actor string, computerID int) error {
	if err := s.check(); err != nil {
		return err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return errors.New("actor is required")
	}
	if computerID < 0 {
		return errors.New("computer id must not be negative")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO manage_grants (actor, computer_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(actor, computer_id) DO NOTHING`, actor, computerID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("grant %s on computer %d: %w", actor, computerID, err)
	}
	return nil
}

// HasManageGrant reports whether actor may manage computerID, either through a
// direct grant or a grant on AllComputers.
func (s *Store) HasManageGrant(ctx context.Context, actor string, computerID int) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM manage_grants
		WHERE actor = ? AND computer_id IN (?, ?)`, strings.TrimSpace(actor), computerID, AllComputers).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check grant %s on computer %d: %w", actor, computerID, err)
	}
	return count > 0, nil
}
