package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Event is an entry of the audit log.
type Event struct {
	ID         int64
	Timestamp  time.Time
	Kind       string
	ComputerID *int
	Message    string
	JSON       string
}

// RecordEvent inserts an event row.
func (s *Store) RecordEvent(ctx context.Context, kind string, computerID *int, msg string, jsonPayload string) error {
	if err := s.check(); err != nil {
		return err
	}
	if kind == "" {
		return errors.New("event kind is required")
	}
	var msgVal interface{}
	if msg != "" {
		msgVal = msg
	}
	var jsonVal interface{}
	if jsonPayload != "" {
		jsonVal = jsonPayload
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO events (ts, kind, computer_id, msg, json) VALUES (?, ?, ?, ?, ?)`,
		formatTime(time.Now()), kind, nullInt(computerID), msgVal, jsonVal)
	if err != nil {
		return fmt.Errorf("insert event %q: %w", kind, err)
	}
	return nil
}

// ListEventsByComputer returns events for a computer after afterID, oldest first.
func (s *Store) ListEventsByComputer(ctx context.Context, computerID int, afterID int64, limit int) ([]Event, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if computerID <= 0 {
		return nil, errors.New("computer id must be positive")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, kind, computer_id, msg, json
		FROM events WHERE computer_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, computerID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var ts string
		var computer sql.NullInt64
		var msg sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ts, &ev.Kind, &computer, &msg, &payload); err != nil {
			return nil, err
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse event ts: %w", err)
		}
		ev.ComputerID = intPtr(computer)
		ev.Message = msg.String
		ev.JSON = payload.String
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
