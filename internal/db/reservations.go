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

// FinalTime is the latest end among a computer's blocking reservations.
type FinalTime struct {
	// At is the latest bounded end. Zero when Found is false or Indefinite.
	At time.Time
	// Indefinite is set when at least one blocking reservation has no end.
	Indefinite bool
	// Found is false when nothing blocks the computer.
	Found bool
}

// Placeholder describes a to-state reservation to insert.
type Placeholder struct {
	ComputerID       int
	State            models.ReservationState
	ImageID          int
	ManagementNodeID int
	Owner            string
	Notes            string
	Start            time.Time
	End              time.Time
}

const reservationColumns = `id, request_id, computer_id, image_id, image_revision_id, mgmt_node_id,
	start_at, end_at, state, last_state, notes, created_at`

// nonTerminalStates is the SQL condition for reservations that still occupy
// their computer, placeholders included.
const nonTerminalStates = `state NOT IN ('timeout', 'failed', 'complete', 'deleted')`

// CreateReservation inserts a request owned by owner with a single reservation
// and returns the stored reservation.
func (s *Store) CreateReservation(ctx context.Context, owner string, r models.Reservation) (models.Reservation, error) {
	if err := s.check(); err != nil {
		return models.Reservation{}, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return models.Reservation{}, errors.New("reservation owner is required")
	}
	if r.ComputerID <= 0 {
		return models.Reservation{}, errors.New("reservation computer id is required")
	}
	if r.Start.IsZero() {
		return models.Reservation{}, errors.New("reservation start is required")
	}
	if r.End != nil && !r.End.After(r.Start) {
		return models.Reservation{}, errors.New("reservation end must be after start")
	}
	if r.State == "" {
		r.State = models.ReservationPending
	}
	if r.ImageID <= 0 {
		r.ImageID = models.NoImageID
	}
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO requests (owner, state, last_state, start_at, end_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			owner, string(r.State), string(r.LastState), formatTime(r.Start), nullTime(r.End), formatTime(now))
		if err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		if r.RequestID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("request id: %w", err)
		}
		res, err = tx.ExecContext(ctx, `INSERT INTO reservations (
			request_id, computer_id, image_id, image_revision_id, mgmt_node_id, start_at, end_at, state, last_state, notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RequestID, r.ComputerID, r.ImageID, r.ImageRevisionID, r.ManagementNodeID,
			formatTime(r.Start), nullTime(r.End), string(r.State), string(r.LastState), nullString(r.Notes), formatTime(now))
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reservation id: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Reservation{}, err
	}
	r.CreatedAt = now
	return r, nil
}

// GetReservation loads a reservation by id.
func (s *Store) GetReservation(ctx context.Context, id int64) (models.Reservation, error) {
	if err := s.check(); err != nil {
		return models.Reservation{}, err
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	return scanReservationRow(row)
}

// ListReservationsByComputer returns every non-terminal reservation on a
// computer, placeholders included, ordered by start.
func (s *Store) ListReservationsByComputer(ctx context.Context, computerID int) ([]models.Reservation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.queryReservations(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE computer_id = ? AND `+nonTerminalStates+`
		ORDER BY start_at, id`, computerID)
}

// FindConflicts returns blocking reservations on computerID overlapping
// [start, end). A nil end extends the window indefinitely. Placeholders are not
// conflicts; they are owned by the scheduler.
func (s *Store) FindConflicts(ctx context.Context, computerID int, start time.Time, end *time.Time) ([]models.Reservation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE computer_id = ? AND state IN ` + inList(models.BlockingReservationStates) + `
		AND (end_at IS NULL OR end_at > ?)`
	args := []any{computerID, formatTime(start)}
	if end != nil {
		query += ` AND start_at < ?`
		args = append(args, formatTime(*end))
	}
	query += ` ORDER BY start_at, id`
	return s.queryReservations(ctx, query, args...)
}

// FindOccupying returns every non-terminal reservation on computerID
// overlapping [start, end), placeholders included. New bookings and queued
// reloads must not land in a slot a placeholder holds. A nil end extends the
// window indefinitely.
func (s *Store) FindOccupying(ctx context.Context, computerID int, start time.Time, end *time.Time) ([]models.Reservation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE computer_id = ? AND ` + nonTerminalStates + `
		AND (end_at IS NULL OR end_at > ?)`
	args := []any{computerID, formatTime(start)}
	if end != nil {
		query += ` AND start_at < ?`
		args = append(args, formatTime(*end))
	}
	query += ` ORDER BY start_at, id`
	return s.queryReservations(ctx, query, args...)
}

// ListFutureReservations returns blocking reservations that start after now.
func (s *Store) ListFutureReservations(ctx context.Context, computerID int, now time.Time) ([]models.Reservation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.queryReservations(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE computer_id = ? AND state IN `+inList(models.BlockingReservationStates)+` AND start_at > ?
		ORDER BY start_at, id`, computerID, formatTime(now))
}

// LatestEndTime reports the latest end among reservations on computerID that
// are in one of states and have not ended by after.
func (s *Store) LatestEndTime(ctx context.Context, computerID int, states []models.ReservationState, after time.Time) (FinalTime, error) {
	if err := s.check(); err != nil {
		return FinalTime{}, err
	}
	if len(states) == 0 {
		return FinalTime{}, errors.New("at least one reservation state is required")
	}
	var count int
	var indefinite sql.NullInt64
	var maxEnd sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*),
			SUM(CASE WHEN end_at IS NULL THEN 1 ELSE 0 END),
			MAX(end_at)
		FROM reservations
		WHERE computer_id = ? AND state IN `+inList(states)+` AND (end_at IS NULL OR end_at > ?)`,
		computerID, formatTime(after)).Scan(&count, &indefinite, &maxEnd)
	if err != nil {
		return FinalTime{}, fmt.Errorf("latest end time for computer %d: %w", computerID, err)
	}
	if count == 0 {
		return FinalTime{}, nil
	}
	if indefinite.Valid && indefinite.Int64 > 0 {
		return FinalTime{Found: true, Indefinite: true}, nil
	}
	at, err := parseTime(maxEnd.String)
	if err != nil {
		return FinalTime{}, fmt.Errorf("parse end_at: %w", err)
	}
	return FinalTime{Found: true, At: at}, nil
}

// FindPlaceholder returns the active placeholder for (computerID, state).
func (s *Store) FindPlaceholder(ctx context.Context, computerID int, state models.ReservationState) (models.Reservation, bool, error) {
	if err := s.check(); err != nil {
		return models.Reservation{}, false, err
	}
	if !state.IsPlaceholder() {
		return models.Reservation{}, false, fmt.Errorf("%q is not a placeholder state", state)
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE computer_id = ? AND state = ?`, computerID, string(state))
	r, err := scanReservationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reservation{}, false, nil
	}
	if err != nil {
		return models.Reservation{}, false, err
	}
	return r, true, nil
}

// InsertPlaceholder creates a to-state placeholder reservation. The unique
// index on (computer_id, state) rejects a second placeholder of the same kind.
func (s *Store) InsertPlaceholder(ctx context.Context, p Placeholder) (int64, error) {
	if !p.State.IsPlaceholder() {
		return 0, fmt.Errorf("%q is not a placeholder state", p.State)
	}
	if p.ImageID <= 0 {
		p.ImageID = models.NoImageID
	}
	end := p.End
	r, err := s.CreateReservation(ctx, p.Owner, models.Reservation{
		ComputerID:       p.ComputerID,
		ImageID:          p.ImageID,
		ManagementNodeID: p.ManagementNodeID,
		Start:            p.Start,
		End:              &end,
		State:            p.State,
		Notes:            p.Notes,
	})
	if err != nil {
		return 0, fmt.Errorf("insert placeholder %s for computer %d: %w", p.State, p.ComputerID, err)
	}
	return r.ID, nil
}

// UpdatePlaceholder rewrites placeholder id (and its request window) with the
// window, image, management node and notes of p. Owner and state are kept.
func (s *Store) UpdatePlaceholder(ctx context.Context, id int64, p Placeholder) error {
	if err := s.check(); err != nil {
		return err
	}
	if !p.End.After(p.Start) {
		return errors.New("placeholder end must be after start")
	}
	if p.ImageID <= 0 {
		p.ImageID = models.NoImageID
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE reservations
			SET start_at = ?, end_at = ?, image_id = ?, mgmt_node_id = ?, notes = ?
			WHERE id = ?`,
			formatTime(p.Start), formatTime(p.End), p.ImageID, p.ManagementNodeID, nullString(p.Notes), id)
		if err != nil {
			return fmt.Errorf("update placeholder %d: %w", id, err)
		}
		ok, err := rowsChanged(res, "update placeholder", id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("placeholder %d: %w", id, sql.ErrNoRows)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE requests SET start_at = ?, end_at = ?
			WHERE id = (SELECT request_id FROM reservations WHERE id = ?)`,
			formatTime(p.Start), formatTime(p.End), id); err != nil {
			return fmt.Errorf("update placeholder request %d: %w", id, err)
		}
		return nil
	})
}

// DeletePlaceholder removes a placeholder and its request outright. It is for
// withdrawing a placeholder written moments ago; Scheduler.Cancel handles
// placeholders that may already be running.
func (s *Store) DeletePlaceholder(ctx context.Context, id int64) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM requests
		WHERE id = (SELECT request_id FROM reservations WHERE id = ? AND state IN `+inList(placeholderStates)+`)`, id)
	if err != nil {
		return false, fmt.Errorf("delete placeholder %d: %w", id, err)
	}
	return rowsChanged(res, "delete placeholder", id)
}

var placeholderStates = []models.ReservationState{
	models.ReservationToMaintenance,
	models.ReservationToVMHostInUse,
	models.ReservationToHPC,
	models.ReservationToAvailable,
}

// DeleteIfFuture removes a reservation's request when the reservation has not
// started by now. It reports whether anything was deleted.
func (s *Store) DeleteIfFuture(ctx context.Context, id int64, now time.Time) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM requests
		WHERE id = (SELECT request_id FROM reservations WHERE id = ? AND start_at > ?)`,
		id, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("delete reservation %d: %w", id, err)
	}
	return rowsChanged(res, "delete reservation", id)
}

// MarkRequestDeleted flags a request and its reservations as deleted so the
// background processor tears them down.
func (s *Store) MarkRequestDeleted(ctx context.Context, requestID int64) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE requests SET last_state = state, state = ?
			WHERE id = ? AND state != ?`, string(models.ReservationDeleted), requestID, string(models.ReservationDeleted))
		if err != nil {
			return fmt.Errorf("mark request %d deleted: %w", requestID, err)
		}
		if changed, err = rowsChanged(res, "mark request deleted", requestID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE reservations SET last_state = state, state = ?
			WHERE request_id = ? AND state != ?`, string(models.ReservationDeleted), requestID, string(models.ReservationDeleted)); err != nil {
			return fmt.Errorf("mark reservations of request %d deleted: %w", requestID, err)
		}
		return nil
	})
	return changed, err
}

// MoveReservation reassigns a reservation from one computer to another.
func (s *Store) MoveReservation(ctx context.Context, id int64, fromComputerID, toComputerID int) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE reservations SET computer_id = ? WHERE id = ? AND computer_id = ?`,
		toComputerID, id, fromComputerID)
	if err != nil {
		return false, fmt.Errorf("move reservation %d: %w", id, err)
	}
	return rowsChanged(res, "move reservation", id)
}

func (s *Store) queryReservations(ctx context.Context, query string, args ...any) ([]models.Reservation, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()
	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return out, nil
}

// inList renders states as a quoted SQL IN list. States are package constants,
// never user input.
func inList(states []models.ReservationState) string {
	quoted := make([]string, 0, len(states))
	for _, state := range states {
		quoted = append(quoted, "'"+strings.ReplaceAll(string(state), "'", "")+"'")
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

func scanReservationRow(scanner interface{ Scan(dest ...any) error }) (models.Reservation, error) {
	var r models.Reservation
	var start string
	var end sql.NullString
	var state string
	var lastState sql.NullString
	var notes sql.NullString
	var createdAt string
	if err := scanner.Scan(&r.ID, &r.RequestID, &r.ComputerID, &r.ImageID, &r.ImageRevisionID, &r.ManagementNodeID,
		&start, &end, &state, &lastState, &notes, &createdAt); err != nil {
		return models.Reservation{}, err
	}
	r.Notes = notes.String
	r.State = models.ReservationState(state)
	if lastState.Valid {
		r.LastState = models.ReservationState(lastState.String)
	}
	var err error
	if r.Start, err = parseTime(start); err != nil {
		return models.Reservation{}, fmt.Errorf("parse start_at: %w", err)
	}
	if end.Valid {
		parsed, err := parseTime(end.String)
		if err != nil {
			return models.Reservation{}, fmt.Errorf("parse end_at: %w", err)
		}
		r.End = &parsed
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Reservation{}, fmt.Errorf("parse created_at: %w", err)
	}
	return r, nil
}
