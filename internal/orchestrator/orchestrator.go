// Package orchestrator applies one administrative action to a batch of
// computers and reports, for every computer, whether the action happened now,
// was scheduled for later, was rejected or failed.
//
// Authorization is checked for the whole batch before anything is touched.
// After that each computer is handled on its own, in the order given, under a
// semaphore on the computer (and on its VMs when it is a host). A failure on
// one computer never stops the others.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/events"
	"github.com/vclsched/vclsched/internal/metrics"
	"github.com/vclsched/vclsched/internal/models"
	"github.com/vclsched/vclsched/internal/scheduler"
	"github.com/vclsched/vclsched/internal/semaphore"
)

// lockSpan is the window locked for a computer while an action runs. It
// covers any placeholder the action may write.
const lockSpan = 2 * scheduler.PlaceholderSpan

// maxLockAttempts bounds how often applyOne relocks a host whose VM set
// changed while it waited.
const maxLockAttempts = 3

// Kind names the action applied to a batch.
type Kind string

const (
	KindState        Kind = "state"
	KindProvisioning Kind = "provisioning"
	KindNAT          Kind = "nat"
	KindSchedule     Kind = "schedule"
	KindReload       Kind = "reload"
)

// Action is the requested change. Only the fields of its Kind are read.
type Action struct {
	Kind Kind `json:"kind"`

	// state
	State     models.ComputerState `json:"state,omitempty"`
	ProfileID int                  `json:"profile_id,omitempty"`
	Reason    string               `json:"reason,omitempty"`

	// provisioning
	Provisioning string `json:"provisioning,omitempty"`

	// nat
	NATEnabled bool `json:"nat_enabled,omitempty"`
	NATHostID  *int `json:"nat_host_id,omitempty"`

	// schedule
	ScheduleID *int `json:"schedule_id,omitempty"`

	// reload
	ImageID int `json:"image_id,omitempty"`
}

// Batch is one administrative request.
type Batch struct {
	Actor       string `json:"actor"`
	ComputerIDs []int  `json:"computer_ids"`
	Action      Action `json:"action"`
}

// Validate checks the batch shape. It does not look at the computers.
func (b Batch) Validate() error {
	if strings.TrimSpace(b.Actor) == "" {
		return errors.New("actor is required")
	}
	if len(b.ComputerIDs) == 0 {
		return errors.New("at least one computer id is required")
	}
	seen := make(map[int]bool, len(b.ComputerIDs))
	for _, id := range b.ComputerIDs {
		if id <= 0 {
			return fmt.Errorf("invalid computer id %d", id)
		}
		if seen[id] {
			return fmt.Errorf("computer id %d listed twice", id)
		}
		seen[id] = true
	}
	a := b.Action
	switch a.Kind {
	case KindState:
		if !a.State.AdminSelectable() {
			return fmt.Errorf("%s cannot be selected", a.State)
		}
		if a.State == models.ComputerVMHostInUse && a.ProfileID <= 0 {
			return errors.New("a VM host profile is required")
		}
	case KindProvisioning:
		if strings.TrimSpace(a.Provisioning) == "" {
			return errors.New("provisioning engine is required")
		}
	case KindNAT:
		if a.NATEnabled && (a.NATHostID == nil || *a.NATHostID <= 0) {
			return errors.New("nat host is required when nat is enabled")
		}
	case KindSchedule:
		if a.ScheduleID != nil && *a.ScheduleID <= 0 {
			return errors.New("schedule id must be positive")
		}
	case KindReload:
		if a.ImageID <= 0 {
			return errors.New("reload image id is required")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Entry is one computer's result.
type Entry struct {
	ComputerID  int        `json:"computer_id"`
	Action      string     `json:"action,omitempty"`
	Code        string     `json:"code,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	At          *time.Time `json:"at,omitempty"`
	ConflictIDs []int      `json:"conflict_ids,omitempty"`
}

// Report partitions a batch. Every computer of the batch appears in exactly
// one bucket.
type Report struct {
	Immediate []Entry `json:"immediate"`
	Deferred  []Entry `json:"deferred"`
	Rejected  []Entry `json:"rejected"`
	Failed    []Entry `json:"failed"`
}

// Total returns the number of entries across all buckets.
func (r Report) Total() int {
	return len(r.Immediate) + len(r.Deferred) + len(r.Rejected) + len(r.Failed)
}

type bucket int

const (
	bucketImmediate bucket = iota
	bucketDeferred
	bucketRejected
	bucketFailed
)

func (b bucket) String() string {
	switch b {
	case bucketImmediate:
		return "immediate"
	case bucketDeferred:
		return "deferred"
	case bucketRejected:
		return "rejected"
	default:
		return "failed"
	}
}

// result is the outcome for one computer. mutated lists every computer whose
// persisted state changed, for invalidation. placeholder is set when a slot
// was written for the computer.
type result struct {
	bucket      bucket
	entry       Entry
	mutated     []int
	placeholder bool
	event       string
	payload     map[string]any
}

func immediate(e Entry, mutated ...int) result {
	return result{bucket: bucketImmediate, entry: e, mutated: mutated}
}

func deferred(e Entry, at time.Time) result {
	e.At = &at
	return result{bucket: bucketDeferred, entry: e, placeholder: true}
}

func rejected(e Entry, code, reason string) result {
	e.Code, e.Reason = code, reason
	return result{bucket: bucketRejected, entry: e}
}

func failed(e Entry, err error) result {
	e.Code, e.Reason = failureCode(err), err.Error()
	return result{bucket: bucketFailed, entry: e}
}

func indefinite(e Entry, conflicts []int) result {
	e.ConflictIDs = conflicts
	return rejected(e, CodeIndefiniteConflict, "a blocking reservation has no end")
}

// Orchestrator applies batches.
type Orchestrator struct {
	store     *db.Store
	scheduler *scheduler.Scheduler
	locks     *semaphore.Manager
	auth      Authorizer
	nodes     NodeSelector
	broker    *events.Broker
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
	vmGrace   time.Duration
}

// New builds an orchestrator that authorizes against store grants and has no
// management node until WithNodeSelector is called.
func New(store *db.Store, sched *scheduler.Scheduler, locks *semaphore.Manager, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		scheduler: sched,
		locks:     locks,
		auth:      StoreAuthorizer{Store: store},
		nodes:     StaticNodeSelector(0),
		logger:    logger,
		now:       time.Now,
		vmGrace:   scheduler.VMGrace,
	}
}

// WithAuthorizer replaces the capability check.
func (o *Orchestrator) WithAuthorizer(a Authorizer) *Orchestrator {
	if o == nil || a == nil {
		return o
	}
	o.auth = a
	return o
}

// WithNodeSelector sets how management nodes are chosen.
func (o *Orchestrator) WithNodeSelector(n NodeSelector) *Orchestrator {
	if o == nil || n == nil {
		return o
	}
	o.nodes = n
	return o
}

// WithBroker publishes invalidation events after every mutation.
func (o *Orchestrator) WithBroker(b *events.Broker) *Orchestrator {
	if o == nil {
		return o
	}
	o.broker = b
	return o
}

// WithMetrics wires optional Prometheus metrics.
func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	if o == nil {
		return o
	}
	o.metrics = m
	return o
}

// WithClock overrides the orchestrator clock, for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	if o == nil || now == nil {
		return o
	}
	o.now = now
	return o
}

// WithVMGrace sets the buffer before VM-level work may follow the last
// reservation.
func (o *Orchestrator) WithVMGrace(d time.Duration) *Orchestrator {
	if o == nil || d < 0 {
		return o
	}
	o.vmGrace = d
	return o
}

// Apply carries out batch. It returns an *AccessDeniedError, and changes
// nothing, when the actor may not manage any one of the computers.
func (o *Orchestrator) Apply(ctx context.Context, batch Batch) (Report, error) {
	if err := o.check(); err != nil {
		return Report{}, err
	}
	if err := batch.Validate(); err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := o.authorize(ctx, batch.Actor, batch.ComputerIDs); err != nil {
		return Report{}, err
	}
	var report Report
	for _, id := range batch.ComputerIDs {
		res := o.applyOne(ctx, batch, id)
		report.add(res)
		o.logger.Info().
			Str("actor", batch.Actor).
			Str("kind", string(batch.Action.Kind)).
			Int("computer_id", id).
			Str("bucket", res.bucket.String()).
			Str("code", res.entry.Code).
			Msg("computer action")
	}
	o.recordBatch(batch.Action.Kind, report)
	return report, nil
}

// Preview decides every computer of batch without locking or writing. The
// deferred times are estimates.
func (o *Orchestrator) Preview(ctx context.Context, batch Batch) (Report, error) {
	if err := o.check(); err != nil {
		return Report{}, err
	}
	if err := batch.Validate(); err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := o.authorize(ctx, batch.Actor, batch.ComputerIDs); err != nil {
		return Report{}, err
	}
	var report Report
	for _, id := range batch.ComputerIDs {
		report.add(o.previewOne(ctx, batch, id))
	}
	return report, nil
}

// CancelScheduled withdraws a deferred transition of computerID to target.
// It reports false when nothing was scheduled.
func (o *Orchestrator) CancelScheduled(ctx context.Context, actor string, computerID int, target models.ComputerState) (bool, error) {
	if err := o.check(); err != nil {
		return false, err
	}
	toState, ok := models.ToStateFor(target)
	if !ok {
		return false, fmt.Errorf("%w: %s cannot be scheduled", ErrInvalidRequest, target)
	}
	if err := o.authorize(ctx, actor, []int{computerID}); err != nil {
		return false, err
	}
	var canceled bool
	err := o.locks.With(ctx, []semaphore.Tuple{o.tuple(computerID)}, func(ctx context.Context) error {
		var err error
		canceled, err = o.scheduler.Cancel(ctx, computerID, toState)
		return err
	})
	if err != nil {
		return false, err
	}
	if canceled {
		o.publish(ctx, events.EventPlaceholderCanceled, actor, computerID, "scheduled transition canceled",
			map[string]any{"to_state": string(toState)})
	}
	return canceled, nil
}

// DeleteComputer soft-deletes a computer that has no conflicting
// reservations.
func (o *Orchestrator) DeleteComputer(ctx context.Context, actor string, computerID int) error {
	if err := o.check(); err != nil {
		return err
	}
	if err := o.authorize(ctx, actor, []int{computerID}); err != nil {
		return err
	}
	err := o.locks.With(ctx, []semaphore.Tuple{o.tuple(computerID)}, func(ctx context.Context) error {
		conflicts, err := o.store.FindConflicts(ctx, computerID, o.now(), nil)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return fmt.Errorf("%w: computer %d has %d", ErrComputerBusy, computerID, len(conflicts))
		}
		ok, err := o.store.SoftDeleteComputer(ctx, computerID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrComputerNotFound, computerID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.publish(ctx, events.EventComputerDeleted, actor, computerID, "computer deleted", nil)
	return nil
}

func (o *Orchestrator) applyOne(ctx context.Context, batch Batch, id int) result {
	entry := Entry{ComputerID: id}
	c, err := o.loadComputer(ctx, id)
	if err != nil {
		if errors.Is(err, ErrComputerNotFound) {
			return rejected(entry, CodeNotFound, err.Error())
		}
		return failed(entry, err)
	}
	var res result
	for attempt := 1; ; attempt++ {
		vms, err := o.hostedVMs(ctx, c)
		if err != nil {
			return failed(entry, err)
		}
		tuples := []semaphore.Tuple{o.tuple(c.ID)}
		locked := map[int]bool{}
		for _, vm := range vms {
			tuples = append(tuples, o.tuple(vm.ID))
			locked[vm.ID] = true
		}

		grew := false
		err = o.locks.With(ctx, tuples, func(ctx context.Context) error {
			// Re-read under the lock; the first read only chose what to lock.
			current, err := o.loadComputer(ctx, id)
			if err != nil {
				res = failed(entry, err)
				return nil
			}
			vms, err := o.hostedVMs(ctx, current)
			if err != nil {
				res = failed(entry, err)
				return nil
			}
			for _, vm := range vms {
				if !locked[vm.ID] {
					grew = true
					return nil
				}
			}
			res = o.dispatch(ctx, batch, current, vms)
			return nil
		})
		if err != nil {
			return failed(entry, err)
		}
		if !grew {
			break
		}
		if attempt >= maxLockAttempts {
			return failed(entry, fmt.Errorf("%w: virtual machines on host %d kept changing", db.ErrStateConflict, id))
		}
		o.logger.Debug().Int("computer_id", id).Int("attempt", attempt).Msg("hosted vms changed before lock, retrying")
	}
	if res.bucket == bucketFailed || res.bucket == bucketRejected {
		return res
	}
	for _, mutated := range res.mutated {
		o.publish(ctx, events.EventComputerMutated, batch.Actor, mutated, res.event, res.payload)
	}
	if res.placeholder {
		o.publish(ctx, events.EventPlaceholderUpserted, batch.Actor, id, res.event, res.payload)
	}
	return res
}

// hostedVMs lists the VMs assigned to c when c is a blade.
func (o *Orchestrator) hostedVMs(ctx context.Context, c models.Computer) ([]models.Computer, error) {
	if c.Type != models.ComputerBlade {
		return nil, nil
	}
	return o.store.ListVMsOnHost(ctx, c.ID)
}

func (o *Orchestrator) dispatch(ctx context.Context, batch Batch, c models.Computer, vms []models.Computer) result {
	switch batch.Action.Kind {
	case KindState:
		return o.applyState(ctx, batch, c, vms)
	case KindProvisioning:
		return o.applyProvisioning(ctx, batch, c)
	case KindNAT:
		return o.applyNAT(ctx, batch, c)
	case KindSchedule:
		return o.applySchedule(ctx, batch, c)
	case KindReload:
		return o.applyReload(ctx, batch, c)
	default:
		return rejected(Entry{ComputerID: c.ID}, CodeInvalidValue, fmt.Sprintf("unknown action kind %q", batch.Action.Kind))
	}
}

func (o *Orchestrator) previewOne(ctx context.Context, batch Batch, id int) result {
	entry := Entry{ComputerID: id}
	c, err := o.loadComputer(ctx, id)
	if err != nil {
		if errors.Is(err, ErrComputerNotFound) {
			return rejected(entry, CodeNotFound, err.Error())
		}
		return failed(entry, err)
	}
	switch batch.Action.Kind {
	case KindState:
		return o.previewState(ctx, batch, c)
	case KindReload:
		return o.previewReload(ctx, batch, c)
	default:
		return immediate(entry)
	}
}

func (o *Orchestrator) authorize(ctx context.Context, actor string, ids []int) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return errors.New("actor is required")
	}
	var denied []int
	for _, id := range ids {
		ok, err := o.auth.HasManageCapability(ctx, actor, id)
		if err != nil {
			return fmt.Errorf("check manage capability for computer %d: %w", id, err)
		}
		if !ok {
			denied = append(denied, id)
		}
	}
	if len(denied) > 0 {
		o.logger.Warn().Str("actor", actor).Ints("computer_ids", denied).Msg("batch rejected: access denied")
		return newAccessDenied(actor, denied)
	}
	return nil
}

func (o *Orchestrator) loadComputer(ctx context.Context, id int) (models.Computer, error) {
	c, err := o.store.GetComputer(ctx, id)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && c.Deleted) {
		return models.Computer{}, fmt.Errorf("%w: %d", ErrComputerNotFound, id)
	}
	return c, err
}

func (o *Orchestrator) tuple(computerID int) semaphore.Tuple {
	now := o.now()
	return semaphore.Tuple{
		ImageID:    models.NoImageID,
		ComputerID: computerID,
		Start:      now,
		End:        now.Add(lockSpan),
	}
}

// publish records an audit event and tells caches to drop what they hold for
// the computer.
func (o *Orchestrator) publish(ctx context.Context, typ events.EventType, actor string, computerID int, msg string, payload map[string]any) {
	meta := map[string]string{"actor": actor}
	body := map[string]any{"actor": actor}
	for k, v := range payload {
		body[k] = v
		meta[k] = fmt.Sprint(v)
	}
	data, err := json.Marshal(body)
	if err != nil {
		o.logger.Warn().Err(err).Msg("marshal event payload")
		data = nil
	}
	id := computerID
	if err := o.store.RecordEvent(ctx, string(typ), &id, msg, string(data)); err != nil {
		o.logger.Warn().Err(err).Int("computer_id", computerID).Msg("record event failed")
	}
	o.broker.Publish(&events.Event{
		Type:     typ,
		Scope:    events.ComputerScope(computerID),
		Message:  msg,
		Metadata: meta,
	})
}

func (o *Orchestrator) recordBatch(kind Kind, r Report) {
	o.metrics.AddBatchResults(string(kind), bucketImmediate.String(), len(r.Immediate))
	o.metrics.AddBatchResults(string(kind), bucketDeferred.String(), len(r.Deferred))
	o.metrics.AddBatchResults(string(kind), bucketRejected.String(), len(r.Rejected))
	o.metrics.AddBatchResults(string(kind), bucketFailed.String(), len(r.Failed))
}

func (r *Report) add(res result) {
	switch res.bucket {
	case bucketImmediate:
		r.Immediate = append(r.Immediate, res.entry)
	case bucketDeferred:
		r.Deferred = append(r.Deferred, res.entry)
	case bucketRejected:
		r.Rejected = append(r.Rejected, res.entry)
	default:
		r.Failed = append(r.Failed, res.entry)
	}
}

func (o *Orchestrator) check() error {
	if o == nil || o.store == nil || o.scheduler == nil || o.locks == nil {
		return errors.New("orchestrator not configured")
	}
	return nil
}
