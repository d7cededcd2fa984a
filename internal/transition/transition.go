// Package transition decides how a computer may move between states.
//
// Decide is pure: it looks at the computer's current state, the requested
// state, its type and provisioning engine, and what is running on it, and
// answers with a verdict (apply now, wait for the scheduler, or reject) plus
// the action the caller must carry out. It never touches storage.
//
// The set of allowed (type, from, to) edges is kept as one looplab/fsm event
// table per computer type. The rules that depend on more than the edge
// (profiles, hosted VMs, reservations) are layered on top in Decide.
package transition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/looplab/fsm"

	"github.com/vclsched/vclsched/internal/models"
)

// CodeInvalidTransition is reported for rejected type/state/provisioning
// combinations.
const CodeInvalidTransition = "v1/transition/invalid"

// Verdict classifies a decision.
type Verdict string

const (
	// Immediate transitions are applied right away.
	Immediate Verdict = "immediate"
	// Deferred transitions wait for reservations or VM workloads to clear.
	Deferred Verdict = "deferred"
	// Rejected transitions are invalid and never retried.
	Rejected Verdict = "rejected"
)

// Action is what the caller must do to carry out a decision.
type Action string

const (
	// ActionNone: the computer is already where it was asked to be.
	ActionNone Action = "none"
	// ActionSetState: plain state flip (leaving maintenance clears notes).
	ActionSetState Action = "set_state"
	// ActionMaintenance: move into maintenance and record notes.
	ActionMaintenance Action = "maintenance"
	// ActionEnterHost: become a VM host now and create the host record.
	ActionEnterHost Action = "enter_host"
	// ActionHostReload: schedule a reload that loads the profile image.
	ActionHostReload Action = "host_reload"
	// ActionReleaseHost: relocate hosted VMs, then leave vmhostinuse.
	ActionReleaseHost Action = "release_host"
	// ActionHostMaintenance: schedule hosted VMs into maintenance, then the host.
	ActionHostMaintenance Action = "host_maintenance"
	// ActionHostProfileChange: switch a host to a profile with another image.
	ActionHostProfileChange Action = "host_profile_change"
	// ActionHostProfileSwap: switch to a profile with the same image. The
	// scheduler is not consulted.
	ActionHostProfileSwap Action = "host_profile_swap"
	// ActionRestoreHost: return a former provisioned host from maintenance to
	// available, rescheduling the VM reservations it still carries.
	ActionRestoreHost Action = "restore_host"
)

// VMLevel reports whether the action involves hosted VMs, which get a grace buffer
// before the host may follow them.
func (a Action) VMLevel() bool {
	switch a {
	case ActionEnterHost, ActionHostReload, ActionReleaseHost, ActionHostMaintenance,
		ActionHostProfileChange, ActionRestoreHost:
		return true
	default:
		return false
	}
}

// Input is everything Decide looks at.
type Input struct {
	Current      models.ComputerState
	Target       models.ComputerState
	Type         models.ComputerType
	Provisioning string

	// HasAssignedVMs is set when virtual machines point at this computer.
	HasAssignedVMs bool
	// HasReservations is set when the computer itself has blocking
	// reservations that have not ended.
	HasReservations bool
	// VMsHaveReservations is set when any hosted VM has blocking reservations.
	VMsHaveReservations bool
	// PreviouslyHosted is set when a computer outside vmhostinuse still
	// carries its host record.
	PreviouslyHosted bool
	// AssignedToHost is set for virtual machines with a host.
	AssignedToHost bool

	CurrentProfile *models.VMProfile
	TargetProfile  *models.VMProfile
}

// Decision is the outcome of Decide.
type Decision struct {
	Verdict Verdict
	Action  Action
	Code    string
	Reason  string
}

func (d Decision) String() string {
	if d.Verdict == Rejected {
		return fmt.Sprintf("%s (%s: %s)", d.Verdict, d.Code, d.Reason)
	}
	return fmt.Sprintf("%s %s", d.Verdict, d.Action)
}

var (
	bladeEvents = fsm.Events{
		{Name: models.ComputerMaintenance.String(), Src: states(models.ComputerAvailable, models.ComputerHPC, models.ComputerVMHostInUse,
			models.ComputerFailed, models.ComputerReload, models.ComputerReloading, models.ComputerInUse, models.ComputerTimeout), Dst: models.ComputerMaintenance.String()},
		{Name: models.ComputerAvailable.String(), Src: states(models.ComputerMaintenance, models.ComputerHPC, models.ComputerVMHostInUse,
			models.ComputerFailed, models.ComputerTimeout), Dst: models.ComputerAvailable.String()},
		{Name: models.ComputerVMHostInUse.String(), Src: states(models.ComputerAvailable, models.ComputerMaintenance, models.ComputerHPC,
			models.ComputerFailed, models.ComputerVMHostInUse), Dst: models.ComputerVMHostInUse.String()},
		{Name: models.ComputerHPC.String(), Src: states(models.ComputerAvailable, models.ComputerMaintenance, models.ComputerFailed),
			Dst: models.ComputerHPC.String()},
	}
	labEvents = fsm.Events{
		{Name: models.ComputerMaintenance.String(), Src: states(models.ComputerAvailable, models.ComputerFailed, models.ComputerReload,
			models.ComputerReloading, models.ComputerInUse, models.ComputerTimeout), Dst: models.ComputerMaintenance.String()},
		{Name: models.ComputerAvailable.String(), Src: states(models.ComputerMaintenance, models.ComputerFailed, models.ComputerTimeout),
			Dst: models.ComputerAvailable.String()},
	}
	// Virtual machines share the lab table; moving to available additionally
	// requires a host assignment.
	vmEvents = labEvents
)

func states(list ...models.ComputerState) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.String())
	}
	return out
}

func eventsFor(typ models.ComputerType) (fsm.Events, bool) {
	switch typ {
	case models.ComputerBlade:
		return bladeEvents, true
	case models.ComputerLab:
		return labEvents, true
	case models.ComputerVirtualMachine:
		return vmEvents, true
	default:
		return nil, false
	}
}

// Allowed reports whether the (type, from, to) edge is in the table.
func Allowed(typ models.ComputerType, from, to models.ComputerState) bool {
	events, ok := eventsFor(typ)
	if !ok {
		return false
	}
	machine := fsm.NewFSM(from.String(), events, fsm.Callbacks{})
	return machine.Can(to.String())
}

// Targets lists the states a computer of typ may be moved to from from.
func Targets(typ models.ComputerType, from models.ComputerState) []models.ComputerState {
	events, ok := eventsFor(typ)
	if !ok {
		return nil
	}
	machine := fsm.NewFSM(from.String(), events, fsm.Callbacks{})
	var out []models.ComputerState
	for _, name := range machine.AvailableTransitions() {
		state, err := models.ParseComputerState(name)
		if err == nil {
			out = append(out, state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fire runs the table transition on a throwaway machine and returns the state
// it lands in. It is used to double check an edge right before persisting it.
func Fire(ctx context.Context, typ models.ComputerType, from, to models.ComputerState) (models.ComputerState, error) {
	events, ok := eventsFor(typ)
	if !ok {
		return from, fmt.Errorf("unknown computer type %q", typ)
	}
	machine := fsm.NewFSM(from.String(), events, fsm.Callbacks{})
	if err := machine.Event(ctx, to.String()); err != nil {
		var same fsm.NoTransitionError
		if !errors.As(err, &same) {
			return from, err
		}
	}
	return models.ParseComputerState(machine.Current())
}

func reject(reason string, args ...any) Decision {
	return Decision{Verdict: Rejected, Code: CodeInvalidTransition, Reason: fmt.Sprintf(reason, args...)}
}

// Decide maps a computer and a requested state to a decision.
func Decide(in Input) Decision {
	if !in.Type.Valid() {
		return reject("unknown computer type %q", in.Type)
	}
	if !in.Target.AdminSelectable() {
		return reject("%s cannot be selected", in.Target)
	}
	if in.Target == models.ComputerVMHostInUse && in.Type != models.ComputerBlade {
		return reject("%s computers cannot host virtual machines", in.Type)
	}
	if in.Target == models.ComputerHPC && in.Type != models.ComputerBlade {
		return reject("%s computers cannot be moved to hpc", in.Type)
	}
	if !Allowed(in.Type, in.Current, in.Target) {
		if in.Current == in.Target {
			return Decision{Verdict: Immediate, Action: ActionNone}
		}
		return reject("%s cannot move from %s to %s", in.Type, in.Current, in.Target)
	}
	if in.Type == models.ComputerVirtualMachine && in.Target == models.ComputerAvailable && !in.AssignedToHost {
		return reject("virtual machine is not assigned to a host")
	}

	provisioned := in.Provisioning != "" && in.Provisioning != models.ProvisioningNone
	busy := in.HasReservations || in.VMsHaveReservations

	var action Action
	switch in.Target {
	case models.ComputerMaintenance:
		action = ActionMaintenance
		if in.Current == models.ComputerVMHostInUse {
			action = ActionHostMaintenance
		}
	case models.ComputerVMHostInUse:
		if in.TargetProfile == nil {
			return reject("a VM host profile is required")
		}
		if in.Current == models.ComputerVMHostInUse {
			return decideProfileChange(in, busy)
		}
		action = ActionEnterHost
		if provisioned {
			action = ActionHostReload
		}
	case models.ComputerAvailable:
		action = ActionSetState
		switch {
		case in.Current == models.ComputerVMHostInUse:
			action = ActionReleaseHost
		case in.Current == models.ComputerMaintenance && in.PreviouslyHosted:
			action = ActionReleaseHost
			if provisioned {
				action = ActionRestoreHost
			}
		}
	default:
		action = ActionSetState
	}
	if busy {
		return Decision{Verdict: Deferred, Action: action}
	}
	return Decision{Verdict: Immediate, Action: action}
}

func decideProfileChange(in Input, busy bool) Decision {
	if in.CurrentProfile != nil && in.CurrentProfile.ID == in.TargetProfile.ID {
		return Decision{Verdict: Immediate, Action: ActionNone}
	}
	if in.CurrentProfile != nil && in.CurrentProfile.ImageID == in.TargetProfile.ImageID {
		return Decision{Verdict: Immediate, Action: ActionHostProfileSwap}
	}
	if busy {
		return Decision{Verdict: Deferred, Action: ActionHostProfileChange}
	}
	return Decision{Verdict: Immediate, Action: ActionHostProfileChange}
}

// ReloadEligible reports whether a reload may be queued on a computer in s.
func ReloadEligible(s models.ComputerState) bool {
	switch s {
	case models.ComputerAvailable, models.ComputerFailed, models.ComputerReload,
		models.ComputerReloading, models.ComputerTimeout:
		return true
	default:
		return false
	}
}

// MaintenanceNotes formats the notes recorded when entering maintenance.
func MaintenanceNotes(actor string, at time.Time, reason string) string {
	return fmt.Sprintf("%s %s@%s", actor, at.UTC().Format(time.RFC3339), reason)
}
