// Package semaphore serializes scheduling writers on a (computer, time window).
//
// Semaphores are advisory rows in the reservation store. Readers never take
// them; every code path that mutates reservations or computer state for a
// window acquires one first and releases it on every exit path.
package semaphore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/metrics"
	"github.com/vclsched/vclsched/internal/models"
)

const (
	DefaultMaxAttempts = 5
	DefaultTTL         = 5 * time.Minute

	defaultGCInterval = 30 * time.Second
	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 2 * time.Second
	nonceBytes        = 16
)

// ErrSemaphoreHeld is returned when the window stays held after every retry.
var ErrSemaphoreHeld = errors.New("semaphore held by another writer")

// Tuple is the intent to use a computer for an image during a window.
type Tuple struct {
	ImageID          int
	RevisionID       int
	ManagementNodeID int
	ComputerID       int
	Start            time.Time
	End              time.Time
}

// Lease is an acquired semaphore.
type Lease struct {
	ID        int64
	Tuple     Tuple
	Owner     string
	Nonce     string
	ExpiresAt time.Time
}

// Manager acquires and releases semaphores on behalf of one process.
type Manager struct {
	store       *db.Store
	owner       string
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	ttl         time.Duration
	maxAttempts int
	gcInterval  time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	rand        io.Reader

	mu   sync.Mutex
	held map[int64]Lease
}

// NewManager builds a manager with a fresh owner id.
func NewManager(store *db.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:       store,
		owner:       "vclsched:" + uuid.NewString(),
		logger:      logger,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		gcInterval:  defaultGCInterval,
		now:         time.Now,
		sleep:       sleepContext,
		rand:        rand.Reader,
		held:        make(map[int64]Lease),
	}
}

// WithMetrics wires optional Prometheus metrics.
func (m *Manager) WithMetrics(metrics *metrics.Metrics) *Manager {
	if m == nil {
		return m
	}
	m.metrics = metrics
	return m
}

// WithMaxAttempts overrides the number of acquisition attempts.
func (m *Manager) WithMaxAttempts(n int) *Manager {
	if m == nil || n <= 0 {
		return m
	}
	m.maxAttempts = n
	return m
}

// WithTTL overrides how long an unreleased semaphore stays valid.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if m == nil || ttl <= 0 {
		return m
	}
	m.ttl = ttl
	return m
}

// WithClock overrides time and sleeping, for tests.
func (m *Manager) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Manager {
	if m == nil {
		return m
	}
	if now != nil {
		m.now = now
	}
	if sleep != nil {
		m.sleep = sleep
	}
	return m
}

// Owner returns the process owner id written to every semaphore.
func (m *Manager) Owner() string {
	if m == nil {
		return ""
	}
	return m.owner
}

// Acquire takes the semaphore for t, retrying with doubling backoff while the
// window is held. It gives up with ErrSemaphoreHeld after the configured
// number of attempts.
func (m *Manager) Acquire(ctx context.Context, t Tuple) (Lease, error) {
	if m == nil || m.store == nil {
		return Lease{}, errors.New("semaphore manager not configured")
	}
	if t.ComputerID <= 0 {
		return Lease{}, errors.New("semaphore computer id is required")
	}
	if !t.End.After(t.Start) {
		return Lease{}, errors.New("semaphore window end must be after start")
	}
	start := m.now()
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		nonce, err := m.newNonce()
		if err != nil {
			return Lease{}, err
		}
		now := m.now()
		lease := Lease{Tuple: t, Owner: m.owner, Nonce: nonce, ExpiresAt: now.Add(m.ttl)}
		id, ok, err := m.store.TryAcquireSemaphore(ctx, models.Semaphore{
			ImageID:          t.ImageID,
			ImageRevisionID:  t.RevisionID,
			ManagementNodeID: t.ManagementNodeID,
			ComputerID:       t.ComputerID,
			Start:            t.Start,
			End:              t.End,
			Owner:            lease.Owner,
			Nonce:            lease.Nonce,
			ExpiresAt:        lease.ExpiresAt,
		}, now)
		if err != nil {
			return Lease{}, err
		}
		if ok {
			lease.ID = id
			m.mu.Lock()
			m.held[id] = lease
			m.mu.Unlock()
			m.metrics.ObserveSemaphoreWait(m.now().Sub(start))
			return lease, nil
		}
		m.metrics.IncSemaphoreContention()
		if attempt >= m.maxAttempts {
			m.metrics.ObserveSemaphoreWait(m.now().Sub(start))
			return Lease{}, fmt.Errorf("%w: computer %d after %d attempts", ErrSemaphoreHeld, t.ComputerID, attempt)
		}
		m.logger.Debug().Int("computer_id", t.ComputerID).Int("attempt", attempt).Dur("backoff", backoff).Msg("semaphore held, retrying")
		if err := m.sleep(ctx, backoff); err != nil {
			return Lease{}, err
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Release gives back a lease. Releasing twice, or releasing a zero Lease, is
// not an error and never touches other semaphores.
func (m *Manager) Release(ctx context.Context, lease Lease) error {
	if m == nil || m.store == nil {
		return errors.New("semaphore manager not configured")
	}
	if lease.ID == 0 {
		return nil
	}
	m.mu.Lock()
	delete(m.held, lease.ID)
	m.mu.Unlock()
	released, err := m.store.ReleaseSemaphore(ctx, lease.ID, lease.Owner, lease.Nonce)
	if err != nil {
		return err
	}
	if !released {
		m.logger.Debug().Int64("semaphore_id", lease.ID).Msg("semaphore already released")
	}
	return nil
}

// ReleaseAll releases every lease this manager still holds.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	if m == nil || m.store == nil {
		return errors.New("semaphore manager not configured")
	}
	m.mu.Lock()
	leases := make([]Lease, 0, len(m.held))
	for _, lease := range m.held {
		leases = append(leases, lease)
	}
	m.mu.Unlock()
	return m.releaseLeases(ctx, leases)
}

func (m *Manager) releaseLeases(ctx context.Context, leases []Lease) error {
	var result *multierror.Error
	for _, lease := range leases {
		if err := m.Release(ctx, lease); err != nil {
			result = multierror.Append(result, fmt.Errorf("release semaphore %d: %w", lease.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// With acquires every tuple, runs fn, and releases the leases on every exit
// path, panics included. Tuples are acquired in computer then start order so
// that overlapping batches contend in the same order.
func (m *Manager) With(ctx context.Context, tuples []Tuple, fn func(ctx context.Context) error) (err error) {
	if m == nil {
		return errors.New("semaphore manager not configured")
	}
	ordered := append([]Tuple(nil), tuples...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ComputerID != ordered[j].ComputerID {
			return ordered[i].ComputerID < ordered[j].ComputerID
		}
		return ordered[i].Start.Before(ordered[j].Start)
	})

	leases := make([]Lease, 0, len(ordered))
	defer func() {
		// Release with a context that survives caller cancellation.
		releaseErr := m.releaseLeases(context.WithoutCancel(ctx), leases)
		if releaseErr == nil {
			return
		}
		m.logger.Warn().Err(releaseErr).Msg("semaphore release failed")
		if err == nil {
			err = releaseErr
			return
		}
		err = multierror.Append(err, releaseErr)
	}()

	for _, t := range ordered {
		lease, acquireErr := m.Acquire(ctx, t)
		if acquireErr != nil {
			return acquireErr
		}
		leases = append(leases, lease)
	}
	return fn(ctx)
}

// StartGC deletes expired semaphores immediately and then on an interval until
// ctx is done.
func (m *Manager) StartGC(ctx context.Context) {
	if m == nil || m.store == nil || m.gcInterval <= 0 {
		return
	}
	m.runGC(ctx)
	ticker := time.NewTicker(m.gcInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runGC(ctx)
			}
		}
	}()
}

func (m *Manager) runGC(ctx context.Context) {
	removed, err := m.store.DeleteExpiredSemaphores(ctx, m.now())
	if err != nil {
		m.logger.Error().Err(err).Msg("semaphore gc failed")
		return
	}
	if removed > 0 {
		m.logger.Info().Int64("removed", removed).Msg("expired semaphores removed")
	}
}

func (m *Manager) newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		return "", fmt.Errorf("semaphore nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
