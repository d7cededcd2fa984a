package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/models"
	"github.com/vclsched/vclsched/internal/scheduler"
	"github.com/vclsched/vclsched/internal/transition"
)

var errProfileNotFound = errors.New("vm host profile not found")

// stateContext is what a state action needs beyond the computer itself.
type stateContext struct {
	batch   Batch
	c       models.Computer
	vms     []models.Computer
	profile *models.VMProfile
	entry   Entry
	now     time.Time
}

func (s stateContext) actor() string { return s.batch.Actor }

func (s stateContext) target() models.ComputerState { return s.batch.Action.State }

// notes is what a computer entering maintenance records.
func (s stateContext) notes(fallback string) string {
	reason := s.batch.Action.Reason
	if reason == "" {
		reason = fallback
	}
	return transition.MaintenanceNotes(s.actor(), s.now, reason)
}

func (o *Orchestrator) applyState(ctx context.Context, batch Batch, c models.Computer, vms []models.Computer) result {
	sc := stateContext{batch: batch, c: c, vms: vms, entry: Entry{ComputerID: c.ID}, now: o.now()}
	in, err := o.input(ctx, c, vms, batch.Action)
	if errors.Is(err, errProfileNotFound) {
		return rejected(sc.entry, CodeNotFound, err.Error())
	}
	if err != nil {
		return failed(sc.entry, err)
	}
	sc.profile = in.TargetProfile

	d := transition.Decide(in)
	o.metrics.IncTransition(string(d.Action), string(d.Verdict))
	sc.entry.Action = string(d.Action)
	if d.Verdict == transition.Rejected {
		return rejected(sc.entry, d.Code, d.Reason)
	}
	if d.Action == transition.ActionNone {
		return immediate(sc.entry)
	}
	if _, err := transition.Fire(ctx, c.Type, c.State, sc.target()); err != nil {
		return rejected(sc.entry, CodeInvalidTransition, err.Error())
	}

	switch d.Action {
	case transition.ActionSetState, transition.ActionMaintenance:
		return o.setState(ctx, sc, d)
	case transition.ActionEnterHost:
		return o.enterHost(ctx, sc, d)
	case transition.ActionHostReload:
		return o.hostReload(ctx, sc)
	case transition.ActionReleaseHost:
		return o.releaseHost(ctx, sc)
	case transition.ActionRestoreHost:
		return o.restoreHost(ctx, sc)
	case transition.ActionHostMaintenance:
		return o.hostMaintenance(ctx, sc)
	case transition.ActionHostProfileChange:
		return o.profileChange(ctx, sc)
	case transition.ActionHostProfileSwap:
		return o.profileSwap(ctx, sc)
	default:
		return rejected(sc.entry, CodeInvalidTransition, fmt.Sprintf("unsupported action %s", d.Action))
	}
}

// input gathers what Decide looks at.
func (o *Orchestrator) input(ctx context.Context, c models.Computer, vms []models.Computer, a Action) (transition.Input, error) {
	now := o.now()
	in := transition.Input{
		Current:          c.State,
		Target:           a.State,
		Type:             c.Type,
		Provisioning:     c.Provisioning,
		HasAssignedVMs:   len(vms) > 0,
		AssignedToHost:   c.VMHostID != nil,
		PreviouslyHosted: c.State != models.ComputerVMHostInUse && c.VMHostProfileID != nil,
	}
	conflicts, err := o.store.FindConflicts(ctx, c.ID, now, nil)
	if err != nil {
		return in, err
	}
	in.HasReservations = len(conflicts) > 0
	for _, vm := range vms {
		conflicts, err := o.store.FindConflicts(ctx, vm.ID, now, nil)
		if err != nil {
			return in, err
		}
		if len(conflicts) > 0 {
			in.VMsHaveReservations = true
			break
		}
	}
	if c.VMHostProfileID != nil {
		p, err := o.store.GetVMProfile(ctx, *c.VMHostProfileID)
		if err != nil {
			return in, fmt.Errorf("load current profile: %w", err)
		}
		in.CurrentProfile = &p
	}
	if a.ProfileID > 0 {
		p, err := o.store.GetVMProfile(ctx, a.ProfileID)
		if errors.Is(err, sql.ErrNoRows) {
			return in, fmt.Errorf("%w: %d", errProfileNotFound, a.ProfileID)
		}
		if err != nil {
			return in, fmt.Errorf("load profile %d: %w", a.ProfileID, err)
		}
		in.TargetProfile = &p
	}
	return in, nil
}

// flip moves c to target now. Notes are replaced in the same write.
func (o *Orchestrator) flip(ctx context.Context, sc stateContext, notes string) result {
	ok, err := o.store.UpdateComputerState(ctx, sc.c.ID, sc.c.State, sc.target(), notes)
	if err != nil {
		return failed(sc.entry, err)
	}
	if !ok {
		return failed(sc.entry, fmt.Errorf("%w: computer %d is no longer %s", db.ErrStateConflict, sc.c.ID, sc.c.State))
	}
	res := immediate(sc.entry, sc.c.ID)
	res.event = fmt.Sprintf("state changed from %s to %s", sc.c.State, sc.target())
	res.payload = map[string]any{"from": sc.c.State.String(), "to": sc.target().String()}
	if notes != "" {
		res.payload["notes"] = notes
	}
	return res
}

func (o *Orchestrator) setState(ctx context.Context, sc stateContext, d transition.Decision) result {
	notes := ""
	if sc.target() == models.ComputerMaintenance {
		notes = sc.notes("")
	}
	if d.Verdict == transition.Immediate {
		return o.flip(ctx, sc, notes)
	}
	toState, ok := models.ToStateFor(sc.target())
	if !ok {
		return rejected(sc.entry, CodeInvalidTransition, fmt.Sprintf("%s cannot be scheduled", sc.target()))
	}
	out, err := o.scheduler.Schedule(ctx, scheduler.Request{
		ComputerID: sc.c.ID,
		ToState:    toState,
		ImageID:    models.NoImageID,
		Owner:      sc.actor(),
		Notes:      notes,
		Relocate:   true,
	})
	if err != nil {
		return failed(sc.entry, err)
	}
	switch out.Kind {
	case scheduler.Clear:
		return o.flip(ctx, sc, notes)
	case scheduler.IndefiniteConflict:
		return indefinite(sc.entry, out.ConflictIDs)
	}
	res := deferred(sc.entry, out.Start)
	res.event = fmt.Sprintf("%s scheduled", toState)
	res.payload = map[string]any{"to_state": string(toState), "placeholder_id": out.PlaceholderID}
	if notes != "" {
		res.payload["notes"] = notes
	}
	return res
}

func (o *Orchestrator) enter(ctx context.Context, sc stateContext) result {
	if err := o.store.EnterVMHost(ctx, sc.c.ID, sc.c.State, sc.profile.ID); err != nil {
		return failed(sc.entry, err)
	}
	res := immediate(sc.entry, sc.c.ID)
	res.event = fmt.Sprintf("vm host with profile %s", sc.profile.Name)
	res.payload = map[string]any{"from": sc.c.State.String(), "profile_id": sc.profile.ID}
	return res
}

func (o *Orchestrator) enterHost(ctx context.Context, sc stateContext, d transition.Decision) result {
	if d.Verdict == transition.Immediate {
		return o.enter(ctx, sc)
	}
	out, err := o.scheduler.Schedule(ctx, scheduler.Request{
		ComputerID: sc.c.ID,
		ToState:    models.ReservationToVMHostInUse,
		ImageID:    sc.profile.ImageID,
		Owner:      sc.actor(),
		Buffer:     o.vmGrace,
		Relocate:   true,
	})
	if err != nil {
		return failed(sc.entry, err)
	}
	switch out.Kind {
	case scheduler.Clear:
		return o.enter(ctx, sc)
	case scheduler.IndefiniteConflict:
		return indefinite(sc.entry, out.ConflictIDs)
	}
	res := deferred(sc.entry, out.Start)
	res.event = "vm host scheduled"
	res.payload = map[string]any{"profile_id": sc.profile.ID, "placeholder_id": out.PlaceholderID}
	return res
}

// hostReload queues a reload that loads the profile image. The reservation
// processor finishes the move into vmhostinuse.
func (o *Orchestrator) hostReload(ctx context.Context, sc stateContext) result {
	node, err := o.nodes.SelectNode(ctx, sc.c)
	if err != nil {
		return failed(sc.entry, err)
	}
	out, err := o.scheduler.Schedule(ctx, scheduler.Request{
		ComputerID:       sc.c.ID,
		ToState:          models.ReservationToVMHostInUse,
		ImageID:          sc.profile.ImageID,
		ManagementNodeID: node,
		Owner:            sc.actor(),
		Buffer:           o.vmGrace,
		Relocate:         true,
		InsertWhenClear:  true,
	})
	if err != nil {
		return failed(sc.entry, err)
	}
	payload := map[string]any{"profile_id": sc.profile.ID, "image_id": sc.profile.ImageID,
		"management_node_id": node, "placeholder_id": out.PlaceholderID}
	switch out.Kind {
	case scheduler.IndefiniteConflict:
		return indefinite(sc.entry, out.ConflictIDs)
	case scheduler.Clear:
		at := out.Start
		sc.entry.At = &at
		res := immediate(sc.entry)
		res.placeholder = true
		res.event = "vm host reload queued"
		res.payload = payload
		return res
	}
	res := deferred(sc.entry, out.Start)
	res.event = "vm host reload scheduled"
	res.payload = payload
	return res
}

func (o *Orchestrator) releaseHost(ctx context.Context, sc stateContext) result {
	out, err := o.scheduler.ScheduleHost(ctx, scheduler.HostRequest{
		HostID:  sc.c.ID,
		ToState: models.ReservationToAvailable,
		ImageID: models.NoImageID,
		Owner:   sc.actor(),
		Buffer:  o.vmGrace,
	})
	if err != nil {
		return failed(sc.entry, err)
	}
	switch out.Kind {
	case scheduler.IndefiniteConflict:
		return indefinite(sc.entry, out.ConflictIDs)
	case scheduler.Scheduled:
		res := deferred(sc.entry, out.Start)
		res.event = "vm host release scheduled"
		res.payload = map[string]any{"to_state": string(models.ReservationToAvailable), "placeholder_id": out.PlaceholderID}
		return res
	}
	if err := o.store.ReleaseVMHost(ctx, sc.c.ID, sc.c.State, sc.target()); err != nil {
		return failed(sc.entry, err)
	}
	mutated := []int{sc.c.ID}
	for _, vm := range sc.vms {
		mutated = append(mutated, vm.ID)
	}
	res := immediate(sc.entry, mutated...)
	res.event = fmt.Sprintf("vm host released to %s", sc.target())
	res.payload = map[string]any{"from": sc.c.State.String(), "to": sc.target().String(), "vms": len(sc.vms)}
	return res
}

// restoreHost returns a provisioned former host to available. Maintenance
// slots left on it and its VMs are withdrawn first so the VM reservations
// can be rescheduled.
func (o *Orchestrator) restoreHost(ctx context.Context, sc stateContext) result {
	for _, vm := range sc.vms {
		if _, err := o.scheduler.Cancel(ctx, vm.ID, models.ReservationToMaintenance); err != nil {
			return failed(sc.entry, err)
		}
	}
	if _, err := o.scheduler.Cancel(ctx, sc.c.ID, models.ReservationToMaintenance); err != nil {
		return failed(sc.entry, err)
	}
	return o.releaseHost(ctx, sc)
}

func (o *Orchestrator) hostMaintenance(ctx context.Context, sc stateContext) result {
	notes := sc.notes("")
	out, err := o.scheduler.ScheduleHost(ctx, scheduler.HostRequest{
		HostID:    sc.c.ID,
		ToState:   models.ReservationToMaintenance,
		VMToState: models.ReservationToMaintenance,
		ImageID:   models.NoImageID,
		Owner:     sc.actor(),
		Notes:     notes,
		Buffer:    o.vmGrace,
	})
	if err != nil {
		return failed(sc.entry, err)
	}
	switch out.Kind {
	case scheduler.IndefiniteConflict:
		return indefinite(sc.entry, out.ConflictIDs)
	case scheduler.Scheduled:
		res := deferred(sc.entry, out.Start)
		res.mutated = o.vmsToMaintenance(ctx, sc, out.ClearVMs, notes)
		res.event = "vm host maintenance scheduled"
		res.payload = map[string]any{"to_state": string(models.ReservationToMaintenance),
			"placeholder_id": out.PlaceholderID, "vm_placeholders": len(out.VMPlaceholders)}
		return res
	}
	// The host keeps its host record so it can be restored later.
	res := o.flip(ctx, sc, notes)
	if res.bucket != bucketImmediate {
		return res
	}
	res.mutated = append(res.mutated, o.vmsToMaintenance(ctx, sc, out.ClearVMs, notes)...)
	return res
}

func (o *Orchestrator) profileChange(ctx context.Context, sc stateContext) result {
	provisioned := sc.c.Provisioned()
	node := 0
	if provisioned {
		var err error
		if node, err = o.nodes.SelectNode(ctx, sc.c); err != nil {
			return failed(sc.entry, err)
		}
	}
	out, err := o.scheduler.ScheduleHost(ctx, scheduler.HostRequest{
		HostID:           sc.c.ID,
		ToState:          models.ReservationToVMHostInUse,
		VMToState:        models.ReservationToMaintenance,
		ImageID:          sc.profile.ImageID,
		ManagementNodeID: node,
		Owner:            sc.actor(),
		Buffer:           o.vmGrace,
		InsertWhenClear:  provisioned,
	})
	if err != nil {
		return failed(sc.entry, err)
	}
	if out.Kind == scheduler.IndefiniteConflict {
		return indefinite(sc.entry, out.ConflictIDs)
	}
	vmNotes := sc.notes(fmt.Sprintf("host profile change to %s", sc.profile.Name))
	payload := map[string]any{"profile_id": sc.profile.ID, "image_id": sc.profile.ImageID, "placeholder_id": out.PlaceholderID}
	if out.Kind == scheduler.Scheduled {
		res := deferred(sc.entry, out.Start)
		res.mutated = o.vmsToMaintenance(ctx, sc, out.ClearVMs, vmNotes)
		res.event = "vm host profile change scheduled"
		res.payload = payload
		return res
	}
	if err := o.store.UpdateVMHostProfile(ctx, sc.c.ID, sc.profile.ID); err != nil {
		return failed(sc.entry, err)
	}
	res := immediate(sc.entry, sc.c.ID)
	res.mutated = append(res.mutated, o.vmsToMaintenance(ctx, sc, out.ClearVMs, vmNotes)...)
	res.placeholder = provisioned
	if provisioned {
		at := out.Start
		res.entry.At = &at
	}
	res.event = fmt.Sprintf("vm host profile changed to %s", sc.profile.Name)
	res.payload = payload
	return res
}

// profileSwap changes to a profile that loads the same image. Nothing is
// scheduled and no VM is touched.
func (o *Orchestrator) profileSwap(ctx context.Context, sc stateContext) result {
	if err := o.store.UpdateVMHostProfile(ctx, sc.c.ID, sc.profile.ID); err != nil {
		return failed(sc.entry, err)
	}
	o.logger.Info().Int("computer_id", sc.c.ID).Int("profile_id", sc.profile.ID).
		Msg("vm host profile swapped without scheduling")
	res := immediate(sc.entry, sc.c.ID)
	res.event = fmt.Sprintf("vm host profile swapped to %s", sc.profile.Name)
	res.payload = map[string]any{"profile_id": sc.profile.ID}
	return res
}

// vmsToMaintenance moves the given VMs of the host into maintenance and
// returns those that moved. A VM that cannot move is logged and skipped.
func (o *Orchestrator) vmsToMaintenance(ctx context.Context, sc stateContext, ids []int, notes string) []int {
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var moved []int
	for _, vm := range sc.vms {
		if !want[vm.ID] || vm.State == models.ComputerMaintenance {
			continue
		}
		if !transition.Allowed(vm.Type, vm.State, models.ComputerMaintenance) {
			o.logger.Warn().Int("vm_id", vm.ID).Str("state", vm.State.String()).Msg("vm cannot enter maintenance")
			continue
		}
		ok, err := o.store.UpdateComputerState(ctx, vm.ID, vm.State, models.ComputerMaintenance, notes)
		if err != nil || !ok {
			o.logger.Warn().Err(err).Int("vm_id", vm.ID).Msg("vm maintenance skipped")
			continue
		}
		moved = append(moved, vm.ID)
	}
	return moved
}

func (o *Orchestrator) previewState(ctx context.Context, batch Batch, c models.Computer) result {
	entry := Entry{ComputerID: c.ID}
	vms, err := o.hostedVMs(ctx, c)
	if err != nil {
		return failed(entry, err)
	}
	in, err := o.input(ctx, c, vms, batch.Action)
	if errors.Is(err, errProfileNotFound) {
		return rejected(entry, CodeNotFound, err.Error())
	}
	if err != nil {
		return failed(entry, err)
	}
	d := transition.Decide(in)
	entry.Action = string(d.Action)
	switch {
	case d.Verdict == transition.Rejected:
		return rejected(entry, d.Code, d.Reason)
	case d.Action == transition.ActionNone, d.Action == transition.ActionHostProfileSwap:
		return immediate(entry)
	}
	if d.Action == transition.ActionHostReload || (d.Action == transition.ActionHostProfileChange && c.Provisioned()) {
		if _, err := o.nodes.SelectNode(ctx, c); err != nil {
			return failed(entry, err)
		}
	}
	if d.Verdict == transition.Immediate {
		return immediate(entry)
	}

	buffer := time.Duration(0)
	if d.Action.VMLevel() {
		buffer = o.vmGrace
	}
	var out scheduler.Outcome
	switch d.Action {
	case transition.ActionReleaseHost, transition.ActionRestoreHost,
		transition.ActionHostMaintenance, transition.ActionHostProfileChange:
		host, err := o.scheduler.EstimateHost(ctx, c.ID, buffer)
		if err != nil {
			return failed(entry, err)
		}
		out = scheduler.Outcome{Kind: host.Kind, Start: host.Start, ConflictIDs: host.ConflictIDs}
	default:
		if out, err = o.scheduler.Estimate(ctx, c.ID, buffer); err != nil {
			return failed(entry, err)
		}
	}
	switch out.Kind {
	case scheduler.IndefiniteConflict:
		return indefinite(entry, out.ConflictIDs)
	case scheduler.Clear:
		return immediate(entry)
	}
	e := entry
	e.At = &out.Start
	return result{bucket: bucketDeferred, entry: e}
}
