// Package testing provides shared test utilities and helper functions for vclsched.
//
// This package contains test helpers, factory functions for creating test data,
// and assertion utilities that promote consistent testing patterns across
// the codebase.
//
// Key utilities:
//   - Model factories: NewTestComputer, NewTestReservation, NewTestProfile
//   - Test helpers: TempFile, MkdirTempInDir, AssertJSONEqual
//   - Clocks: FixedTime, Clock
package testing

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vclsched/vclsched/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestActor        = "admin@local"
	TestHostname     = "blade-01"
	TestProvisioning = "xcat"
	TestImageID      = 101
)

// AssertJSONEqual asserts that two JSON values are semantically equal.
//
// Both values are marshalled and compared as decoded JSON, ignoring
// whitespace and key order.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "testfile")
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write temp file")
	return path
}

// MkdirTempInDir creates a temporary directory under parentDir that is
// removed when the test completes.
func MkdirTempInDir(t *testing.T, parentDir string) string {
	t.Helper()
	path, err := os.MkdirTemp(parentDir, "testdir*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		_ = os.RemoveAll(path)
	})
	return path
}

// Clock is a manually advanced clock for code that takes a now func.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current clock time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// ============================================================================
// Model Factory Functions
// ============================================================================

// ComputerOpts holds optional parameters for creating test computers.
type ComputerOpts struct {
	Hostname     string
	State        models.ComputerState
	Type         models.ComputerType
	Provisioning string
	VMHostID     *int
	Notes        string
}

// NewTestComputer creates a test computer with default values, applying
// optional overrides. The default is an available, provisioned blade.
func NewTestComputer(opts ComputerOpts) models.Computer {
	if opts.Hostname == "" {
		opts.Hostname = TestHostname
	}
	if opts.State == 0 {
		opts.State = models.ComputerAvailable
	}
	if opts.Type == "" {
		opts.Type = models.ComputerBlade
	}
	if opts.Provisioning == "" {
		opts.Provisioning = TestProvisioning
	}
	return models.Computer{
		Hostname:     opts.Hostname,
		State:        opts.State,
		Type:         opts.Type,
		Provisioning: opts.Provisioning,
		VMHostID:     opts.VMHostID,
		Notes:        opts.Notes,
		CreatedAt:    FixedTime,
		UpdatedAt:    FixedTime,
	}
}

// ReservationOpts holds optional parameters for creating test reservations.
type ReservationOpts struct {
	ComputerID int
	ImageID    int
	Start      time.Time
	End        *time.Time
	Indefinite bool
	State      models.ReservationState
}

// NewTestReservation creates a one-hour reserved booking starting at
// FixedTime unless overridden. Set Indefinite to leave End nil.
func NewTestReservation(opts ReservationOpts) models.Reservation {
	if opts.ImageID == 0 {
		opts.ImageID = TestImageID
	}
	if opts.Start.IsZero() {
		opts.Start = FixedTime
	}
	if opts.End == nil && !opts.Indefinite {
		end := opts.Start.Add(time.Hour)
		opts.End = &end
	}
	if opts.State == "" {
		opts.State = models.ReservationReserved
	}
	return models.Reservation{
		ComputerID: opts.ComputerID,
		ImageID:    opts.ImageID,
		Start:      opts.Start,
		End:        opts.End,
		State:      opts.State,
	}
}

// NewTestProfile creates a VM host profile with default values.
func NewTestProfile(name string, imageID int) models.VMProfile {
	if name == "" {
		name = "esxi-default"
	}
	if imageID == 0 {
		imageID = TestImageID
	}
	return models.VMProfile{Name: name, ImageID: imageID}
}

// ============================================================================
// Database Test Helpers
// ============================================================================

// RequireRowCount asserts the count returned by query.
func RequireRowCount(t *testing.T, db *sql.DB, expected int, query string, args ...any) {
	t.Helper()
	var count int
	err := db.QueryRow(query, args...).Scan(&count)
	require.NoError(t, err, "failed to query rows")
	require.Equal(t, expected, count, "row count mismatch")
}
