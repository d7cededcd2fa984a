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

// ErrStateConflict is returned when a compare-and-swap state update finds the
// computer in a different state than the caller observed.
var ErrStateConflict = errors.New("computer state changed concurrently")

const computerColumns = `c.id, c.hostname, c.state, c.type, c.provisioning, c.vmhost_id, c.notes, c.deleted,
	c.nat_enabled, c.nat_host_id, c.schedule_id, c.created_at, c.updated_at, h.profile_id`

const computerFrom = `FROM computers c LEFT JOIN vmhosts h ON h.computer_id = c.id`

// CreateComputer inserts a new computer row and returns its id.
func (s *Store) CreateComputer(ctx context.Context, computer models.Computer) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(computer.Hostname) == "" {
		return 0, errors.New("computer hostname is required")
	}
	if !computer.Type.Valid() {
		return 0, fmt.Errorf("invalid computer type %q", computer.Type)
	}
	if !computer.State.Valid() {
		return 0, fmt.Errorf("invalid computer state %d", int(computer.State))
	}
	provisioning := strings.TrimSpace(computer.Provisioning)
	if provisioning == "" {
		provisioning = models.ProvisioningNone
	}
	now := time.Now().UTC()
	createdAt := computer.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO computers (
		hostname, state, type, provisioning, vmhost_id, notes, deleted, nat_enabled, nat_host_id, schedule_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(computer.Hostname),
		int(computer.State),
		string(computer.Type),
		provisioning,
		nullInt(computer.VMHostID),
		computer.Notes,
		computer.NATEnabled,
		nullInt(computer.NATHostID),
		nullInt(computer.ScheduleID),
		formatTime(createdAt),
		formatTime(createdAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert computer %s: %w", computer.Hostname, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("computer id: %w", err)
	}
	return int(id), nil
}

// GetComputer loads a computer by id, including soft-deleted rows.
func (s *Store) GetComputer(ctx context.Context, id int) (models.Computer, error) {
	if err := s.check(); err != nil {
		return models.Computer{}, err
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+computerColumns+` `+computerFrom+` WHERE c.id = ?`, id)
	return scanComputerRow(row)
}

// ListComputers returns non-deleted computers ordered by id.
func (s *Store) ListComputers(ctx context.Context) ([]models.Computer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.queryComputers(ctx, `SELECT `+computerColumns+` `+computerFrom+` WHERE c.deleted = 0 ORDER BY c.id`)
}

// ListVMsOnHost returns the non-deleted virtual machines assigned to hostID.
func (s *Store) ListVMsOnHost(ctx context.Context, hostID int) ([]models.Computer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if hostID <= 0 {
		return nil, errors.New("host id must be positive")
	}
	return s.queryComputers(ctx, `SELECT `+computerColumns+` `+computerFrom+`
		WHERE c.vmhost_id = ? AND c.deleted = 0 ORDER BY c.id`, hostID)
}

// ListRelocationCandidates returns available, non-deleted computers of the
// given type excluding the computer being cleared.
func (s *Store) ListRelocationCandidates(ctx context.Context, typ models.ComputerType, excludeID int) ([]models.Computer, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.queryComputers(ctx, `SELECT `+computerColumns+` `+computerFrom+`
		WHERE c.type = ? AND c.state = ? AND c.deleted = 0 AND c.id != ? ORDER BY c.id`,
		string(typ), int(models.ComputerAvailable), excludeID)
}

func (s *Store) queryComputers(ctx context.Context, query string, args ...any) ([]models.Computer, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list computers: %w", err)
	}
	defer rows.Close()
	var out []models.Computer
	for rows.Next() {
		c, err := scanComputerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate computers: %w", err)
	}
	return out, nil
}

// UpdateComputerState performs a compare-and-swap state transition and writes
// notes in the same statement so state and notes never diverge.
func (s *Store) UpdateComputerState(ctx context.Context, id int, from, to models.ComputerState, notes string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE computers SET state = ?, notes = ?, updated_at = ?
		WHERE id = ? AND state = ? AND deleted = 0`,
		int(to), notes, formatTime(time.Now()), id, int(from))
	if err != nil {
		return false, fmt.Errorf("update computer %d state: %w", id, err)
	}
	return rowsChanged(res, "update computer state", id)
}

// SoftDeleteComputer flags a computer as deleted.
func (s *Store) SoftDeleteComputer(ctx context.Context, id int) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE computers SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		formatTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("delete computer %d: %w", id, err)
	}
	return rowsChanged(res, "delete computer", id)
}

// UpdateComputerProvisioning sets the provisioning engine.
func (s *Store) UpdateComputerProvisioning(ctx context.Context, id int, provisioning string) error {
	if err := s.check(); err != nil {
		return err
	}
	provisioning = strings.TrimSpace(provisioning)
	if provisioning == "" {
		return errors.New("provisioning engine is required")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE computers SET provisioning = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
		provisioning, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update computer %d provisioning: %w", id, err)
	}
	return nil
}

// UpdateComputerNAT sets the NAT flag and host.
func (s *Store) UpdateComputerNAT(ctx context.Context, id int, enabled bool, natHostID *int) error {
	if err := s.check(); err != nil {
		return err
	}
	var host interface{}
	if enabled {
		host = nullInt(natHostID)
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE computers SET nat_enabled = ?, nat_host_id = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
		enabled, host, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update computer %d nat: %w", id, err)
	}
	return nil
}

// UpdateComputerSchedule sets the availability schedule.
func (s *Store) UpdateComputerSchedule(ctx context.Context, id int, scheduleID *int) error {
	if err := s.check(); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE computers SET schedule_id = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
		nullInt(scheduleID), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update computer %d schedule: %w", id, err)
	}
	return nil
}

// AssignVMHost points a virtual machine at its host.
func (s *Store) AssignVMHost(ctx context.Context, vmID, hostID int) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE computers SET vmhost_id = ?, updated_at = ?
		WHERE id = ? AND type = ? AND deleted = 0`,
		hostID, formatTime(time.Now()), vmID, string(models.ComputerVirtualMachine))
	if err != nil {
		return fmt.Errorf("assign vm %d to host %d: %w", vmID, hostID, err)
	}
	ok, err := rowsChanged(res, "assign vm", vmID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("computer %d is not a virtual machine", vmID)
	}
	return nil
}

// UnassignVMs detaches every virtual machine from hostID.
func (s *Store) UnassignVMs(ctx context.Context, hostID int) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE computers SET vmhost_id = NULL, updated_at = ? WHERE vmhost_id = ?`,
		formatTime(time.Now()), hostID)
	if err != nil {
		return 0, fmt.Errorf("unassign vms from host %d: %w", hostID, err)
	}
	return res.RowsAffected()
}

// CreateVMProfile inserts a VM host profile.
func (s *Store) CreateVMProfile(ctx context.Context, profile models.VMProfile) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(profile.Name) == "" {
		return 0, errors.New("profile name is required")
	}
	if profile.ImageID <= 0 {
		return 0, errors.New("profile image id must be positive")
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO vmprofiles (name, image_id) VALUES (?, ?)`,
		strings.TrimSpace(profile.Name), profile.ImageID)
	if err != nil {
		return 0, fmt.Errorf("insert vm profile %s: %w", profile.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("vm profile id: %w", err)
	}
	return int(id), nil
}

// GetVMProfile loads a VM host profile.
func (s *Store) GetVMProfile(ctx context.Context, id int) (models.VMProfile, error) {
	if err := s.check(); err != nil {
		return models.VMProfile{}, err
	}
	var p models.VMProfile
	err := s.DB.QueryRowContext(ctx, `SELECT id, name, image_id FROM vmprofiles WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.ImageID)
	if err != nil {
		return models.VMProfile{}, err
	}
	return p, nil
}

// GetVMHostByComputer loads the host-tracking record of a computer.
func (s *Store) GetVMHostByComputer(ctx context.Context, computerID int) (models.VMHost, error) {
	if err := s.check(); err != nil {
		return models.VMHost{}, err
	}
	var h models.VMHost
	err := s.DB.QueryRowContext(ctx, `SELECT id, computer_id, profile_id, vm_limit FROM vmhosts WHERE computer_id = ?`, computerID).
		Scan(&h.ID, &h.ComputerID, &h.ProfileID, &h.VMLimit)
	if err != nil {
		return models.VMHost{}, err
	}
	return h, nil
}

// EnterVMHost moves a computer into vmhostinuse and creates or updates its
// host-tracking record in one transaction.
func (s *Store) EnterVMHost(ctx context.Context, computerID int, from models.ComputerState, profileID int) error {
	if err := s.check(); err != nil {
		return err
	}
	if profileID <= 0 {
		return errors.New("vm profile id is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE computers SET state = ?, notes = '', updated_at = ?
			WHERE id = ? AND state = ? AND deleted = 0`,
			int(models.ComputerVMHostInUse), formatTime(time.Now()), computerID, int(from))
		if err != nil {
			return fmt.Errorf("update computer %d state: %w", computerID, err)
		}
		ok, err := rowsChanged(res, "enter vmhost", computerID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrStateConflict
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO vmhosts (computer_id, profile_id) VALUES (?, ?)
			ON CONFLICT(computer_id) DO UPDATE SET profile_id = excluded.profile_id`,
			computerID, profileID); err != nil {
			return fmt.Errorf("upsert vmhost for computer %d: %w", computerID, err)
		}
		return nil
	})
}

// UpdateVMHostProfile changes the profile of an existing host record.
func (s *Store) UpdateVMHostProfile(ctx context.Context, computerID, profileID int) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE vmhosts SET profile_id = ? WHERE computer_id = ?`, profileID, computerID)
	if err != nil {
		return fmt.Errorf("update vmhost profile for computer %d: %w", computerID, err)
	}
	ok, err := rowsChanged(res, "update vmhost profile", computerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("computer %d has no vmhost record", computerID)
	}
	return nil
}

// ReleaseVMHost unassigns all VMs from a host, deletes its host record and
// moves it from `from` to `to` in one transaction. Notes are cleared.
func (s *Store) ReleaseVMHost(ctx context.Context, computerID int, from, to models.ComputerState) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(time.Now())
		res, err := tx.ExecContext(ctx, `UPDATE computers SET state = ?, notes = '', updated_at = ?
			WHERE id = ? AND state = ? AND deleted = 0`, int(to), now, computerID, int(from))
		if err != nil {
			return fmt.Errorf("update computer %d state: %w", computerID, err)
		}
		ok, err := rowsChanged(res, "release vmhost", computerID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrStateConflict
		}
		if _, err := tx.ExecContext(ctx, `UPDATE computers SET vmhost_id = NULL, updated_at = ? WHERE vmhost_id = ?`,
			now, computerID); err != nil {
			return fmt.Errorf("unassign vms from host %d: %w", computerID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM vmhosts WHERE computer_id = ?`, computerID); err != nil {
			return fmt.Errorf("delete vmhost for computer %d: %w", computerID, err)
		}
		return nil
	})
}

func rowsChanged(res sql.Result, op string, id any) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected %s %v: %w", op, id, err)
	}
	return affected > 0, nil
}

func scanComputerRow(scanner interface{ Scan(dest ...any) error }) (models.Computer, error) {
	var c models.Computer
	var state int
	var typ string
	var vmhost sql.NullInt64
	var notes sql.NullString
	var natHost sql.NullInt64
	var schedule sql.NullInt64
	var profile sql.NullInt64
	var createdAt string
	var updatedAt string
	if err := scanner.Scan(&c.ID, &c.Hostname, &state, &typ, &c.Provisioning, &vmhost, &notes, &c.Deleted,
		&c.NATEnabled, &natHost, &schedule, &createdAt, &updatedAt, &profile); err != nil {
		return models.Computer{}, err
	}
	c.State = models.ComputerState(state)
	c.Type = models.ComputerType(typ)
	c.VMHostID = intPtr(vmhost)
	c.NATHostID = intPtr(natHost)
	c.ScheduleID = intPtr(schedule)
	c.VMHostProfileID = intPtr(profile)
	if notes.Valid {
		c.Notes = notes.String
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Computer{}, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Computer{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return c, nil
}
