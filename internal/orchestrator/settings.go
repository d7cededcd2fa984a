package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/vclsched/vclsched/internal/models"
	"github.com/vclsched/vclsched/internal/scheduler"
	"github.com/vclsched/vclsched/internal/transition"
)

// reloadWindow is how long a queued reload reservation occupies its computer.
const reloadWindow = time.Hour

func (o *Orchestrator) applyProvisioning(ctx context.Context, batch Batch, c models.Computer) result {
	entry := Entry{ComputerID: c.ID, Action: string(KindProvisioning)}
	if c.Provisioning == batch.Action.Provisioning {
		return immediate(entry)
	}
	if err := o.store.UpdateComputerProvisioning(ctx, c.ID, batch.Action.Provisioning); err != nil {
		return failed(entry, err)
	}
	res := immediate(entry, c.ID)
	res.event = fmt.Sprintf("provisioning changed to %s", batch.Action.Provisioning)
	res.payload = map[string]any{"from": c.Provisioning, "to": batch.Action.Provisioning}
	return res
}

func (o *Orchestrator) applyNAT(ctx context.Context, batch Batch, c models.Computer) result {
	entry := Entry{ComputerID: c.ID, Action: string(KindNAT)}
	a := batch.Action
	if a.NATEnabled && a.NATHostID != nil && *a.NATHostID == c.ID {
		return rejected(entry, CodeInvalidValue, "a computer cannot be its own nat host")
	}
	if err := o.store.UpdateComputerNAT(ctx, c.ID, a.NATEnabled, a.NATHostID); err != nil {
		return failed(entry, err)
	}
	res := immediate(entry, c.ID)
	res.event = "nat updated"
	res.payload = map[string]any{"enabled": a.NATEnabled}
	if a.NATEnabled {
		res.payload["nat_host_id"] = *a.NATHostID
	}
	return res
}

func (o *Orchestrator) applySchedule(ctx context.Context, batch Batch, c models.Computer) result {
	entry := Entry{ComputerID: c.ID, Action: string(KindSchedule)}
	if err := o.store.UpdateComputerSchedule(ctx, c.ID, batch.Action.ScheduleID); err != nil {
		return failed(entry, err)
	}
	res := immediate(entry, c.ID)
	res.event = "schedule updated"
	res.payload = map[string]any{}
	if batch.Action.ScheduleID != nil {
		res.payload["schedule_id"] = *batch.Action.ScheduleID
	} else {
		res.payload["schedule_id"] = "none"
	}
	return res
}

// reloadCheck rejects computers a reload cannot be queued on.
func reloadCheck(entry Entry, c models.Computer) (result, bool) {
	if !transition.ReloadEligible(c.State) {
		return rejected(entry, CodeInvalidTransition, fmt.Sprintf("a %s computer cannot be reloaded", c.State)), false
	}
	if !c.Provisioned() {
		return rejected(entry, CodeInvalidTransition, "computer has no provisioning engine"), false
	}
	return result{}, true
}

// reloadSlot finds the first free slot for a reload on c. A slot already
// held by a pending placeholder is rejected.
func (o *Orchestrator) reloadSlot(ctx context.Context, entry Entry, c models.Computer) (scheduler.Outcome, time.Time, result, bool) {
	out, err := o.scheduler.Estimate(ctx, c.ID, 0)
	if err != nil {
		return out, time.Time{}, failed(entry, err), false
	}
	if out.Kind == scheduler.IndefiniteConflict {
		return out, time.Time{}, indefinite(entry, out.ConflictIDs), false
	}
	start := o.now()
	if out.Kind == scheduler.Scheduled {
		start = out.Start
	}
	end := start.Add(reloadWindow)
	held, err := o.store.FindOccupying(ctx, c.ID, start, &end)
	if err != nil {
		return out, time.Time{}, failed(entry, err), false
	}
	for _, r := range held {
		if r.State.IsPlaceholder() {
			return out, time.Time{}, rejected(entry, CodeSchedulingFailed,
				fmt.Sprintf("slot is held by %s placeholder %d from %s", r.State, r.ID, r.Start.UTC().Format(time.RFC3339))), false
		}
	}
	return out, start, result{}, true
}

// applyReload queues a reload reservation at the first free slot.
func (o *Orchestrator) applyReload(ctx context.Context, batch Batch, c models.Computer) result {
	entry := Entry{ComputerID: c.ID, Action: string(KindReload)}
	if res, ok := reloadCheck(entry, c); !ok {
		return res
	}
	node, err := o.nodes.SelectNode(ctx, c)
	if err != nil {
		return failed(entry, err)
	}
	out, start, res, ok := o.reloadSlot(ctx, entry, c)
	if !ok {
		return res
	}
	end := start.Add(reloadWindow)
	r, err := o.store.CreateReservation(ctx, batch.Actor, models.Reservation{
		ComputerID:       c.ID,
		ImageID:          batch.Action.ImageID,
		ManagementNodeID: node,
		Start:            start,
		End:              &end,
		State:            models.ReservationReload,
	})
	if err != nil {
		return failed(entry, fmt.Errorf("%w: %w", scheduler.ErrSchedulingFailed, err))
	}
	if out.Kind == scheduler.Clear {
		entry.At = &start
		res = immediate(entry)
	} else {
		res = deferred(entry, start)
	}
	res.placeholder = true
	res.event = "reload queued"
	res.payload = map[string]any{"image_id": batch.Action.ImageID, "reservation_id": r.ID, "management_node_id": node}
	return res
}

func (o *Orchestrator) previewReload(ctx context.Context, batch Batch, c models.Computer) result {
	entry := Entry{ComputerID: c.ID, Action: string(KindReload)}
	if res, ok := reloadCheck(entry, c); !ok {
		return res
	}
	if _, err := o.nodes.SelectNode(ctx, c); err != nil {
		return failed(entry, err)
	}
	out, start, res, ok := o.reloadSlot(ctx, entry, c)
	if !ok {
		return res
	}
	if out.Kind == scheduler.Clear {
		return immediate(entry)
	}
	entry.At = &start
	return result{bucket: bucketDeferred, entry: entry}
}
