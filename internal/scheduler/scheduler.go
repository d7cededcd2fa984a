// Package scheduler finds the earliest time a computer is free of reservations
// and holds that slot with a to-state placeholder reservation.
//
// A placeholder runs from the computed start for PlaceholderSpan so ordinary
// users cannot book the computer behind a pending administrative transition.
// At most one placeholder exists per (computer, to-state), and repeated calls
// only ever move it earlier.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/metrics"
	"github.com/vclsched/vclsched/internal/models"
)

const (
	// VMGrace is the default buffer after the last reservation before VM-level work.
	VMGrace = 5 * time.Minute
	// PlaceholderSpan is how long a placeholder blocks its computer.
	PlaceholderSpan = 365 * 24 * time.Hour
)

// ErrSchedulingFailed wraps persistence and relocation failures.
var ErrSchedulingFailed = errors.New("scheduling failed")

// Kind classifies a scheduling outcome.
type Kind int

const (
	// Clear means nothing blocks the computer; the transition may run now.
	Clear Kind = iota
	// Scheduled means a placeholder holds the earliest free slot.
	Scheduled
	// IndefiniteConflict means a blocking reservation has no end, so no slot exists.
	IndefiniteConflict
)

func (k Kind) String() string {
	switch k {
	case Clear:
		return "clear"
	case Scheduled:
		return "scheduled"
	case IndefiniteConflict:
		return "indefinite_conflict"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Relocator moves not-yet-started reservations to other computers. Both
// methods return the earliest start of a reservation that could not be moved;
// the zero time means every future reservation was moved.
type Relocator interface {
	MoveReservationsOffComputer(ctx context.Context, computerID int) (time.Time, error)
	MoveReservationsOffVMs(ctx context.Context, hostID int) (time.Time, error)
}

// Request schedules one computer.
type Request struct {
	ComputerID       int
	ToState          models.ReservationState
	ImageID          int
	ManagementNodeID int
	Owner            string
	// Notes are applied to the computer when the placeholder fires.
	Notes  string
	Buffer time.Duration
	// Relocate tries to move future reservations elsewhere first.
	Relocate bool
	// InsertWhenClear writes a placeholder starting now even when nothing
	// blocks the computer. Reload-backed transitions use it to hand the work
	// to the reservation processor.
	InsertWhenClear bool
}

// Outcome is the result of Schedule.
type Outcome struct {
	Kind          Kind
	Start         time.Time
	PlaceholderID int64
	ConflictIDs   []int
}

// HostRequest schedules a VM host and the VMs assigned to it.
type HostRequest struct {
	HostID  int
	ToState models.ReservationState
	// VMToState, when set, gives every busy VM its own placeholder.
	VMToState        models.ReservationState
	ImageID          int
	ManagementNodeID int
	Owner            string
	Notes            string
	Buffer           time.Duration
	InsertWhenClear  bool
}

// HostOutcome is the result of ScheduleHost.
type HostOutcome struct {
	Kind          Kind
	Start         time.Time
	PlaceholderID int64
	// VMPlaceholders maps VM id to its placeholder id.
	VMPlaceholders map[int]int64
	// ConflictIDs lists computers holding indefinite reservations.
	ConflictIDs []int
	// ClearVMs lists assigned VMs with nothing blocking them.
	ClearVMs []int
}

// Scheduler computes free slots and upserts placeholders.
type Scheduler struct {
	store     *db.Store
	relocator Relocator
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New builds a scheduler that relocates with a StoreRelocator.
func New(store *db.Store, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		relocator: NewStoreRelocator(store, logger),
		logger:    logger,
		now:       time.Now,
	}
}

// WithRelocator replaces the relocation collaborator.
func (s *Scheduler) WithRelocator(r Relocator) *Scheduler {
	if s == nil || r == nil {
		return s
	}
	s.relocator = r
	return s
}

// WithMetrics wires optional Prometheus metrics.
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	if s == nil {
		return s
	}
	s.metrics = m
	return s
}

// WithClock overrides the scheduler clock, for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if s == nil || now == nil {
		return s
	}
	s.now = now
	return s
}

// Schedule relocates what it can, finds the computer's final blocking end and
// holds the slot after it with a placeholder.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (Outcome, error) {
	if err := s.check(); err != nil {
		return Outcome{}, err
	}
	if err := validate(req.ComputerID, req.ToState, req.Owner); err != nil {
		return Outcome{}, err
	}
	if req.Relocate {
		if err := s.relocate(ctx, req.ComputerID); err != nil {
			return Outcome{}, err
		}
	}
	now := s.now()
	final, err := s.store.LatestEndTime(ctx, req.ComputerID, models.BlockingReservationStates, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrSchedulingFailed, err)
	}
	switch {
	case final.Indefinite:
		return Outcome{Kind: IndefiniteConflict, ConflictIDs: []int{req.ComputerID}}, nil
	case !final.Found:
		if !req.InsertWhenClear {
			return Outcome{Kind: Clear}, nil
		}
		u, err := s.upsert(ctx, req.placeholder(now))
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: Clear, Start: u.start, PlaceholderID: u.id}, nil
	}
	u, err := s.upsert(ctx, req.placeholder(final.At.Add(req.Buffer)))
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Scheduled, Start: u.start, PlaceholderID: u.id}, nil
}

// Estimate reports when the computer would be free without relocating or
// writing anything.
func (s *Scheduler) Estimate(ctx context.Context, computerID int, buffer time.Duration) (Outcome, error) {
	if err := s.check(); err != nil {
		return Outcome{}, err
	}
	final, err := s.store.LatestEndTime(ctx, computerID, models.BlockingReservationStates, s.now())
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrSchedulingFailed, err)
	}
	switch {
	case final.Indefinite:
		return Outcome{Kind: IndefiniteConflict, ConflictIDs: []int{computerID}}, nil
	case !final.Found:
		return Outcome{Kind: Clear}, nil
	}
	return Outcome{Kind: Scheduled, Start: final.At.Add(buffer)}, nil
}

// ScheduleHost writes the host's placeholder, then one per busy VM. The host's
// slot starts after the latest final end across the host and all its VMs.
// An indefinite reservation anywhere rejects the whole host without writing
// placeholders.
func (s *Scheduler) ScheduleHost(ctx context.Context, req HostRequest) (HostOutcome, error) {
	if err := s.check(); err != nil {
		return HostOutcome{}, err
	}
	if err := validate(req.HostID, req.ToState, req.Owner); err != nil {
		return HostOutcome{}, err
	}
	if req.VMToState != "" && !req.VMToState.IsPlaceholder() {
		return HostOutcome{}, fmt.Errorf("%q is not a placeholder state", req.VMToState)
	}
	if _, err := s.relocator.MoveReservationsOffVMs(ctx, req.HostID); err != nil {
		return HostOutcome{}, fmt.Errorf("%w: relocate vms of host %d: %w", ErrSchedulingFailed, req.HostID, err)
	}
	if err := s.relocate(ctx, req.HostID); err != nil {
		return HostOutcome{}, err
	}
	plan, err := s.planHost(ctx, req.HostID)
	if err != nil {
		return HostOutcome{}, err
	}
	out := HostOutcome{ClearVMs: plan.clearVMs}
	if len(plan.indefinite) > 0 {
		out.Kind = IndefiniteConflict
		out.ConflictIDs = plan.indefinite
		return out, nil
	}
	now := s.now()
	if len(plan.vmFinals) == 0 && plan.hostFinal.IsZero() {
		out.Kind = Clear
		if req.InsertWhenClear {
			u, err := s.upsert(ctx, req.placeholder(req.HostID, req.ToState, now))
			if err != nil {
				return HostOutcome{}, err
			}
			out.PlaceholderID, out.Start = u.id, u.start
		}
		return out, nil
	}

	// The host slot goes first. Any later failure withdraws every placeholder
	// written here so a failed host leaves its VMs unblocked.
	host, err := s.upsert(ctx, req.placeholder(req.HostID, req.ToState, plan.latest().Add(req.Buffer)))
	if err != nil {
		return HostOutcome{}, err
	}
	written := []upserted{host}
	if req.VMToState != "" {
		out.VMPlaceholders = make(map[int]int64, len(plan.vmFinals))
		for _, vmID := range sortedKeys(plan.vmFinals) {
			vmReq := req
			vmReq.ImageID = models.NoImageID
			u, err := s.upsert(ctx, vmReq.placeholder(vmID, req.VMToState, plan.vmFinals[vmID].Add(req.Buffer)))
			if err != nil {
				s.rollback(ctx, written)
				return HostOutcome{}, err
			}
			written = append(written, u)
			out.VMPlaceholders[vmID] = u.id
		}
	}
	out.Kind = Scheduled
	out.PlaceholderID, out.Start = host.id, host.start
	return out, nil
}

// EstimateHost reports when a host and its VMs would be free without
// relocating or writing anything.
func (s *Scheduler) EstimateHost(ctx context.Context, hostID int, buffer time.Duration) (HostOutcome, error) {
	if err := s.check(); err != nil {
		return HostOutcome{}, err
	}
	plan, err := s.planHost(ctx, hostID)
	if err != nil {
		return HostOutcome{}, err
	}
	out := HostOutcome{ClearVMs: plan.clearVMs}
	switch {
	case len(plan.indefinite) > 0:
		out.Kind = IndefiniteConflict
		out.ConflictIDs = plan.indefinite
	case len(plan.vmFinals) == 0 && plan.hostFinal.IsZero():
		out.Kind = Clear
	default:
		out.Kind = Scheduled
		out.Start = plan.latest().Add(buffer)
	}
	return out, nil
}

// Cancel withdraws the placeholder for (computerID, toState). A placeholder
// that has not started is deleted; one already running has its request
// marked deleted. Finding nothing to cancel is not an error.
func (s *Scheduler) Cancel(ctx context.Context, computerID int, toState models.ReservationState) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	existing, ok, err := s.store.FindPlaceholder(ctx, computerID, toState)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	deleted, err := s.store.DeleteIfFuture(ctx, existing.ID, s.now())
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info().Int("computer_id", computerID).Str("to_state", string(toState)).Msg("placeholder deleted")
		return true, nil
	}
	marked, err := s.store.MarkRequestDeleted(ctx, existing.RequestID)
	if err != nil {
		return false, err
	}
	if marked {
		s.logger.Info().Int("computer_id", computerID).Str("to_state", string(toState)).Msg("running placeholder marked deleted")
	}
	return marked, nil
}

type hostPlan struct {
	vmFinals   map[int]time.Time
	hostFinal  time.Time
	indefinite []int
	clearVMs   []int
}

func (p hostPlan) latest() time.Time {
	latest := p.hostFinal
	for _, at := range p.vmFinals {
		if at.After(latest) {
			latest = at
		}
	}
	return latest
}

func (s *Scheduler) planHost(ctx context.Context, hostID int) (hostPlan, error) {
	vms, err := s.store.ListVMsOnHost(ctx, hostID)
	if err != nil {
		return hostPlan{}, fmt.Errorf("%w: %w", ErrSchedulingFailed, err)
	}
	now := s.now()
	plan := hostPlan{vmFinals: make(map[int]time.Time)}
	for _, vm := range vms {
		final, err := s.store.LatestEndTime(ctx, vm.ID, models.BlockingReservationStates, now)
		if err != nil {
			return hostPlan{}, fmt.Errorf("%w: %w", ErrSchedulingFailed, err)
		}
		switch {
		case final.Indefinite:
			plan.indefinite = append(plan.indefinite, vm.ID)
		case final.Found:
			plan.vmFinals[vm.ID] = final.At
		default:
			plan.clearVMs = append(plan.clearVMs, vm.ID)
		}
	}
	final, err := s.store.LatestEndTime(ctx, hostID, models.BlockingReservationStates, now)
	if err != nil {
		return hostPlan{}, fmt.Errorf("%w: %w", ErrSchedulingFailed, err)
	}
	if final.Indefinite {
		plan.indefinite = append(plan.indefinite, hostID)
	} else if final.Found {
		plan.hostFinal = final.At
	}
	return plan, nil
}

func (s *Scheduler) relocate(ctx context.Context, computerID int) error {
	unmoved, err := s.relocator.MoveReservationsOffComputer(ctx, computerID)
	if err != nil {
		return fmt.Errorf("%w: relocate computer %d: %w", ErrSchedulingFailed, computerID, err)
	}
	if !unmoved.IsZero() {
		s.logger.Debug().Int("computer_id", computerID).Time("earliest_unmoved", unmoved).Msg("some reservations could not be relocated")
	}
	return nil
}

// upserted records one placeholder write. prior holds the row as it was when
// an existing placeholder was rewritten.
type upserted struct {
	id       int64
	start    time.Time
	inserted bool
	prior    *models.Reservation
}

// upsert inserts the placeholder or brings an existing one in line with p.
// The start only ever moves earlier; image, management node and notes follow
// the latest request.
func (s *Scheduler) upsert(ctx context.Context, p db.Placeholder) (upserted, error) {
	existing, ok, err := s.store.FindPlaceholder(ctx, p.ComputerID, p.State)
	if err != nil {
		return upserted{}, fmt.Errorf("%w: %w", ErrSchedulingFailed, err)
	}
	if !ok {
		id, insertErr := s.store.InsertPlaceholder(ctx, p)
		if insertErr == nil {
			s.metrics.IncPlaceholderUpsert("insert")
			s.logger.Info().Int("computer_id", p.ComputerID).Str("to_state", string(p.State)).
				Time("start", p.Start).Msg("placeholder inserted")
			return upserted{id: id, start: p.Start, inserted: true}, nil
		}
		// Another writer may have inserted the same placeholder first.
		existing, ok, err = s.store.FindPlaceholder(ctx, p.ComputerID, p.State)
		if err != nil || !ok {
			return upserted{}, fmt.Errorf("%w: %w", ErrSchedulingFailed, insertErr)
		}
	}

	want := p
	if !existing.Start.After(p.Start) {
		want.Start = existing.Start
		want.End = existing.Start.Add(PlaceholderSpan)
		if existing.End != nil {
			want.End = *existing.End
		}
	}
	if want.ImageID <= 0 {
		want.ImageID = models.NoImageID
	}
	moved := want.Start.Before(existing.Start)
	retargeted := want.ImageID != existing.ImageID ||
		want.ManagementNodeID != existing.ManagementNodeID ||
		want.Notes != existing.Notes
	if !moved && !retargeted {
		s.metrics.IncPlaceholderUpsert("keep")
		return upserted{id: existing.ID, start: existing.Start}, nil
	}
	if err := s.store.UpdatePlaceholder(ctx, existing.ID, want); err != nil {
		return upserted{}, fmt.Errorf("%w: %w", ErrSchedulingFailed, err)
	}
	s.metrics.IncPlaceholderUpsert("update")
	s.logger.Info().Int("computer_id", p.ComputerID).Str("to_state", string(p.State)).
		Time("from", existing.Start).Time("start", want.Start).
		Int("image_id", want.ImageID).Int("management_node_id", want.ManagementNodeID).
		Msg("placeholder updated")
	prior := existing
	return upserted{id: existing.ID, start: want.Start, prior: &prior}, nil
}

// rollback undoes placeholder writes in reverse order. Failures are logged;
// the caller already reports the original error.
func (s *Scheduler) rollback(ctx context.Context, written []upserted) {
	for i := len(written) - 1; i >= 0; i-- {
		u := written[i]
		switch {
		case u.inserted:
			if _, err := s.store.DeletePlaceholder(ctx, u.id); err != nil {
				s.logger.Error().Err(err).Int64("placeholder_id", u.id).Msg("withdraw placeholder")
			}
		case u.prior != nil:
			if err := s.store.UpdatePlaceholder(ctx, u.id, placeholderOf(*u.prior)); err != nil {
				s.logger.Error().Err(err).Int64("placeholder_id", u.id).Msg("restore placeholder")
			}
		}
	}
}

func placeholderOf(r models.Reservation) db.Placeholder {
	p := db.Placeholder{
		ComputerID:       r.ComputerID,
		State:            r.State,
		ImageID:          r.ImageID,
		ManagementNodeID: r.ManagementNodeID,
		Notes:            r.Notes,
		Start:            r.Start,
		End:              r.Start.Add(PlaceholderSpan),
	}
	if r.End != nil {
		p.End = *r.End
	}
	return p
}

func (s *Scheduler) check() error {
	if s == nil || s.store == nil {
		return errors.New("scheduler not configured")
	}
	if s.relocator == nil {
		return errors.New("scheduler relocator not configured")
	}
	return nil
}

func (r Request) placeholder(start time.Time) db.Placeholder {
	return db.Placeholder{
		ComputerID:       r.ComputerID,
		State:            r.ToState,
		ImageID:          r.ImageID,
		ManagementNodeID: r.ManagementNodeID,
		Owner:            r.Owner,
		Notes:            r.Notes,
		Start:            start,
		End:              start.Add(PlaceholderSpan),
	}
}

func (r HostRequest) placeholder(computerID int, state models.ReservationState, start time.Time) db.Placeholder {
	return db.Placeholder{
		ComputerID:       computerID,
		State:            state,
		ImageID:          r.ImageID,
		ManagementNodeID: r.ManagementNodeID,
		Owner:            r.Owner,
		Notes:            r.Notes,
		Start:            start,
		End:              start.Add(PlaceholderSpan),
	}
}

func validate(computerID int, state models.ReservationState, owner string) error {
	if computerID <= 0 {
		return errors.New("computer id must be positive")
	}
	if !state.IsPlaceholder() {
		return fmt.Errorf("%q is not a placeholder state", state)
	}
	if strings.TrimSpace(owner) == "" {
		return errors.New("placeholder owner is required")
	}
	return nil
}

func sortedKeys(m map[int]time.Time) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
