package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration with version, name, and SQL statements.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_core_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS computers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				hostname TEXT NOT NULL,
				state INTEGER NOT NULL,
				type TEXT NOT NULL,
				provisioning TEXT NOT NULL DEFAULT 'none',
				vmhost_id INTEGER REFERENCES computers(id),
				notes TEXT,
				deleted INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS vmprofiles (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				image_id INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS vmhosts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				computer_id INTEGER NOT NULL UNIQUE REFERENCES computers(id),
				profile_id INTEGER NOT NULL REFERENCES vmprofiles(id),
				vm_limit INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS requests (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				owner TEXT NOT NULL,
				state TEXT NOT NULL,
				last_state TEXT,
				start_at TEXT NOT NULL,
				end_at TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS reservations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				request_id INTEGER NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
				computer_id INTEGER NOT NULL REFERENCES computers(id),
				image_id INTEGER NOT NULL,
				image_revision_id INTEGER NOT NULL DEFAULT 0,
				mgmt_node_id INTEGER NOT NULL DEFAULT 0,
				start_at TEXT NOT NULL,
				end_at TEXT,
				state TEXT NOT NULL,
				last_state TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TEXT NOT NULL,
				kind TEXT NOT NULL,
				computer_id INTEGER,
				msg TEXT,
				json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_computers_state ON computers(state)`,
			`CREATE INDEX IF NOT EXISTS idx_computers_vmhost ON computers(vmhost_id)`,
			`CREATE INDEX IF NOT EXISTS idx_reservations_computer ON reservations(computer_id, state)`,
			`CREATE INDEX IF NOT EXISTS idx_reservations_request ON reservations(request_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_computer ON events(computer_id)`,
		},
	},
	{
		version: 2,
		name:    "add_semaphores_and_grants",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS semaphores (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				computer_id INTEGER NOT NULL,
				image_id INTEGER NOT NULL DEFAULT 0,
				image_revision_id INTEGER NOT NULL DEFAULT 0,
				mgmt_node_id INTEGER NOT NULL DEFAULT 0,
				start_at TEXT NOT NULL,
				end_at TEXT NOT NULL,
				owner TEXT NOT NULL,
				nonce TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				UNIQUE(computer_id, start_at, end_at)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_semaphores_owner ON semaphores(owner)`,
			`CREATE INDEX IF NOT EXISTS idx_semaphores_expires ON semaphores(expires_at)`,
			`CREATE TABLE IF NOT EXISTS manage_grants (
				actor TEXT NOT NULL,
				computer_id INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				PRIMARY KEY(actor, computer_id)
			)`,
		},
	},
	{
		version: 3,
		name:    "add_placeholder_uniqueness",
		statements: []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_placeholder
				ON reservations(computer_id, state)
				WHERE state IN ('tomaintenance', 'tovmhostinuse', 'tohpc', 'toavailable')`,
		},
	},
	{
		version: 4,
		name:    "add_computer_nat_schedule",
		statements: []string{
			`ALTER TABLE computers ADD COLUMN nat_enabled INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE computers ADD COLUMN nat_host_id INTEGER`,
			`ALTER TABLE computers ADD COLUMN schedule_id INTEGER`,
		},
	},
	{
		version: 5,
		name:    "add_reservation_notes",
		statements: []string{
			`ALTER TABLE reservations ADD COLUMN notes TEXT`,
		},
	},
}

// Migrate applies every migration that schema_migrations does not yet list.
//
// Each migration runs in its own transaction. Migrate refuses to run when the
// database records a version this binary does not know about, which happens
// when an older binary opens a database written by a newer one.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

func applyMigration(db *sql.DB, m migration) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range m.statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, formatTime(time.Now())); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// validateMigrations rejects empty, duplicate, unnamed or out-of-order entries.
func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	prev := 0
	for _, m := range migrations {
		if m.version <= prev {
			return fmt.Errorf("migration version %d must be positive and ascending", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		prev = m.version
	}
	return nil
}
