package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/models"
	"github.com/vclsched/vclsched/internal/semaphore"
)

// StoreRelocator moves future reservations to another available computer of
// the same type whose calendar is free for the whole window. Virtual machines
// only move to VMs assigned to a different host.
type StoreRelocator struct {
	store  *db.Store
	locks  *semaphore.Manager
	logger zerolog.Logger
	now    func() time.Time
}

// NewStoreRelocator builds a relocator over store.
func NewStoreRelocator(store *db.Store, logger zerolog.Logger) *StoreRelocator {
	return &StoreRelocator{store: store, logger: logger, now: time.Now}
}

// WithLocks makes every move hold a semaphore on the receiving computer.
func (r *StoreRelocator) WithLocks(m *semaphore.Manager) *StoreRelocator {
	if r == nil {
		return r
	}
	r.locks = m
	return r
}

// WithClock overrides the relocator clock, for tests.
func (r *StoreRelocator) WithClock(now func() time.Time) *StoreRelocator {
	if r == nil || now == nil {
		return r
	}
	r.now = now
	return r
}

// MoveReservationsOffComputer moves what it can off computerID.
func (r *StoreRelocator) MoveReservationsOffComputer(ctx context.Context, computerID int) (time.Time, error) {
	if r == nil || r.store == nil {
		return time.Time{}, errors.New("relocator not configured")
	}
	c, err := r.store.GetComputer(ctx, computerID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load computer %d: %w", computerID, err)
	}
	excludeHost := 0
	if c.VMHostID != nil {
		excludeHost = *c.VMHostID
	}
	return r.moveOff(ctx, c, excludeHost)
}

// MoveReservationsOffVMs moves what it can off every VM assigned to hostID.
func (r *StoreRelocator) MoveReservationsOffVMs(ctx context.Context, hostID int) (time.Time, error) {
	if r == nil || r.store == nil {
		return time.Time{}, errors.New("relocator not configured")
	}
	vms, err := r.store.ListVMsOnHost(ctx, hostID)
	if err != nil {
		return time.Time{}, err
	}
	var earliest time.Time
	for _, vm := range vms {
		unmoved, err := r.moveOff(ctx, vm, hostID)
		if err != nil {
			return time.Time{}, err
		}
		earliest = earlier(earliest, unmoved)
	}
	return earliest, nil
}

func (r *StoreRelocator) moveOff(ctx context.Context, c models.Computer, excludeHost int) (time.Time, error) {
	future, err := r.store.ListFutureReservations(ctx, c.ID, r.now())
	if err != nil {
		return time.Time{}, err
	}
	if len(future) == 0 {
		return time.Time{}, nil
	}
	candidates, err := r.store.ListRelocationCandidates(ctx, c.Type, c.ID)
	if err != nil {
		return time.Time{}, err
	}
	var earliest time.Time
	for _, res := range future {
		moved, err := r.moveOne(ctx, c, res, candidates, excludeHost)
		if err != nil {
			return time.Time{}, err
		}
		if !moved {
			earliest = earlier(earliest, res.Start)
		}
	}
	return earliest, nil
}

func (r *StoreRelocator) moveOne(ctx context.Context, from models.Computer, res models.Reservation, candidates []models.Computer, excludeHost int) (bool, error) {
	for _, to := range candidates {
		if from.Type == models.ComputerVirtualMachine {
			if to.VMHostID == nil || *to.VMHostID == excludeHost {
				continue
			}
		}
		free, err := r.free(ctx, to.ID, res)
		if err != nil {
			return false, err
		}
		if !free {
			continue
		}
		moved, err := r.move(ctx, from.ID, to.ID, res)
		if err != nil {
			return false, err
		}
		if moved {
			r.logger.Info().Int64("reservation_id", res.ID).Int("from", from.ID).Int("to", to.ID).Msg("reservation relocated")
			return true, nil
		}
	}
	return false, nil
}

func (r *StoreRelocator) move(ctx context.Context, fromID, toID int, res models.Reservation) (bool, error) {
	if r.locks == nil {
		return r.store.MoveReservation(ctx, res.ID, fromID, toID)
	}
	end := res.Start.Add(PlaceholderSpan)
	if res.End != nil {
		end = *res.End
	}
	var moved bool
	err := r.locks.With(ctx, []semaphore.Tuple{{
		ImageID:          res.ImageID,
		RevisionID:       res.ImageRevisionID,
		ManagementNodeID: res.ManagementNodeID,
		ComputerID:       toID,
		Start:            res.Start,
		End:              end,
	}}, func(ctx context.Context) error {
		// The calendar may have changed before the lock was taken.
		free, err := r.free(ctx, toID, res)
		if err != nil || !free {
			return err
		}
		moved, err = r.store.MoveReservation(ctx, res.ID, fromID, toID)
		return err
	})
	if errors.Is(err, semaphore.ErrSemaphoreHeld) {
		return false, nil
	}
	return moved, err
}

// free reports whether no non-terminal reservation on computerID, placeholders
// included, overlaps res.
func (r *StoreRelocator) free(ctx context.Context, computerID int, res models.Reservation) (bool, error) {
	existing, err := r.store.ListReservationsByComputer(ctx, computerID)
	if err != nil {
		return false, err
	}
	for _, other := range existing {
		if overlaps(other, res) {
			return false, nil
		}
	}
	return true, nil
}

func overlaps(a, b models.Reservation) bool {
	aEndsAfterB := a.End == nil || a.End.After(b.Start)
	bEndsAfterA := b.End == nil || b.End.After(a.Start)
	return aEndsAfterB && bEndsAfterA
}

func earlier(current, candidate time.Time) time.Time {
	if candidate.IsZero() {
		return current
	}
	if current.IsZero() || candidate.Before(current) {
		return candidate
	}
	return current
}
