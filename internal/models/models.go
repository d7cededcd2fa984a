// Package models provides data structures and constants for vclsched.
//
// This package contains the core domain models used throughout vclsched:
//   - Computer: A schedulable physical or virtual machine and its state
//   - VMHost / VMProfile: Host-tracking record for computers in vmhostinuse
//   - Reservation: A booking of a computer for a time window
//   - Semaphore: An advisory lock on a (computer, time window) tuple
//
// All models are designed for database persistence and JSON serialization.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ComputerState is the state of a computer. Values match the legacy state ids
// so rows imported from an existing deployment keep their meaning.
//
// Admin-selectable states are available, maintenance, vmhostinuse and hpc.
// The remaining states are set by background processing and are only observed
// when deciding eligibility (for example, whether a reload may be queued).
type ComputerState int

const (
	ComputerFailed      ComputerState = 5
	ComputerAvailable   ComputerState = 2
	ComputerReloading   ComputerState = 6
	ComputerInUse       ComputerState = 8
	ComputerMaintenance ComputerState = 10
	ComputerTimeout     ComputerState = 11
	ComputerReload      ComputerState = 19
	ComputerVMHostInUse ComputerState = 20
	ComputerHPC         ComputerState = 23
)

var computerStateNames = map[ComputerState]string{
	ComputerAvailable:   "available",
	ComputerFailed:      "failed",
	ComputerReloading:   "reloading",
	ComputerInUse:       "inuse",
	ComputerMaintenance: "maintenance",
	ComputerTimeout:     "timeout",
	ComputerReload:      "reload",
	ComputerVMHostInUse: "vmhostinuse",
	ComputerHPC:         "hpc",
}

func (s ComputerState) String() string {
	if name, ok := computerStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Valid reports whether s is a known state id.
func (s ComputerState) Valid() bool {
	_, ok := computerStateNames[s]
	return ok
}

// AdminSelectable reports whether an administrator may request s directly.
func (s ComputerState) AdminSelectable() bool {
	switch s {
	case ComputerAvailable, ComputerMaintenance, ComputerVMHostInUse, ComputerHPC:
		return true
	default:
		return false
	}
}

// Bookable reports whether users may book a computer in s. Administrative
// and broken states keep users off until an administrator moves the computer.
func (s ComputerState) Bookable() bool {
	switch s {
	case ComputerAvailable, ComputerInUse, ComputerReloading, ComputerReload:
		return true
	default:
		return false
	}
}

// ParseComputerState accepts a state name ("maintenance") or numeric id ("10").
func ParseComputerState(value string) (ComputerState, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for state, name := range computerStateNames {
		if name == value || fmt.Sprintf("%d", int(state)) == value {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown computer state %q", value)
}

// ComputerType distinguishes bare-metal, lab and virtual machine computers.
type ComputerType string

const (
	// ComputerBlade is a bare-metal computer provisioned by a management node.
	ComputerBlade ComputerType = "blade"
	// ComputerLab is a standalone lab machine that is never reprovisioned.
	ComputerLab ComputerType = "lab"
	// ComputerVirtualMachine is a VM that runs on a computer in vmhostinuse.
	ComputerVirtualMachine ComputerType = "virtualmachine"
)

// Valid reports whether t is a known computer type.
func (t ComputerType) Valid() bool {
	switch t {
	case ComputerBlade, ComputerLab, ComputerVirtualMachine:
		return true
	default:
		return false
	}
}

// ProvisioningNone marks computers that no management node can reprovision.
const ProvisioningNone = "none"

// NoImageID is the sentinel image loaded by placeholder reservations.
const NoImageID = 4

// Computer is a schedulable compute resource.
//
// Fields:
//   - ID: Unique computer identifier
//   - Hostname: Short host name
//   - State: Current state (see ComputerState)
//   - Type: blade, lab or virtualmachine
//   - Provisioning: Provisioning engine name ("none" when unmanaged)
//   - VMHostProfileID: Profile of the host-tracking record (nil unless hosting)
//   - VMHostID: Host computer this VM is assigned to (virtual machines only)
//   - Notes: "<actor> <timestamp>@<reason>" while in maintenance
//   - NATEnabled / NATHostID: NAT configuration
//   - ScheduleID: Availability schedule (optional)
//   - Deleted: Soft-delete flag; rows are never removed
type Computer struct {
	ID              int
	Hostname        string
	State           ComputerState
	Type            ComputerType
	Provisioning    string
	VMHostProfileID *int
	VMHostID        *int
	Notes           string
	NATEnabled      bool
	NATHostID       *int
	ScheduleID      *int
	Deleted         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Provisioned reports whether a management node can reprovision c.
func (c Computer) Provisioned() bool {
	return c.Provisioning != "" && c.Provisioning != ProvisioningNone
}

// VMHost tracks a computer that hosts virtual machines.
type VMHost struct {
	ID         int
	ComputerID int
	ProfileID  int
	VMLimit    int
}

// VMProfile describes what a VM host runs: the image loaded on the host.
type VMProfile struct {
	ID      int
	Name    string
	ImageID int
}

// ReservationState is the state of a reservation (and of its request).
type ReservationState string

const (
	ReservationNew      ReservationState = "new"
	ReservationPending  ReservationState = "pending"
	ReservationReserved ReservationState = "reserved"
	ReservationInUse    ReservationState = "inuse"
	ReservationReload   ReservationState = "reload"
	ReservationTimeout  ReservationState = "timeout"
	ReservationFailed   ReservationState = "failed"
	ReservationComplete ReservationState = "complete"
	ReservationDeleted  ReservationState = "deleted"

	// To-state placeholders hold a future slot for an administrative transition.
	ReservationToMaintenance ReservationState = "tomaintenance"
	ReservationToVMHostInUse ReservationState = "tovmhostinuse"
	ReservationToHPC         ReservationState = "tohpc"
	ReservationToAvailable   ReservationState = "toavailable"
)

// Terminal reports whether s no longer occupies its computer.
func (s ReservationState) Terminal() bool {
	switch s {
	case ReservationTimeout, ReservationFailed, ReservationComplete, ReservationDeleted:
		return true
	default:
		return false
	}
}

// IsPlaceholder reports whether s is a to-state placeholder.
func (s ReservationState) IsPlaceholder() bool {
	switch s {
	case ReservationToMaintenance, ReservationToVMHostInUse, ReservationToHPC, ReservationToAvailable:
		return true
	default:
		return false
	}
}

// BlockingReservationStates are the states that keep a computer busy.
var BlockingReservationStates = []ReservationState{
	ReservationNew,
	ReservationPending,
	ReservationReserved,
	ReservationInUse,
	ReservationReload,
}

// ToStateFor returns the placeholder state that schedules a move to target.
func ToStateFor(target ComputerState) (ReservationState, bool) {
	switch target {
	case ComputerMaintenance:
		return ReservationToMaintenance, true
	case ComputerVMHostInUse:
		return ReservationToVMHostInUse, true
	case ComputerHPC:
		return ReservationToHPC, true
	case ComputerAvailable:
		return ReservationToAvailable, true
	default:
		return "", false
	}
}

// Reservation is a booking of a computer for a time window.
//
// End is exclusive. A nil End means the reservation is indefinite; this
// replaces the far-future sentinel date of older deployments. Notes carries
// the maintenance notes a placeholder applies to its computer when it fires.
type Reservation struct {
	ID               int64
	RequestID        int64
	ComputerID       int
	ImageID          int
	ImageRevisionID  int
	ManagementNodeID int
	Start            time.Time
	End              *time.Time
	State            ReservationState
	LastState        ReservationState
	Notes            string
	CreatedAt        time.Time
}

// Indefinite reports whether r has no defined end.
func (r Reservation) Indefinite() bool {
	return r.End == nil
}

// Semaphore is an advisory lock on a computer for a time window.
type Semaphore struct {
	ID               int64
	ImageID          int
	ImageRevisionID  int
	ManagementNodeID int
	ComputerID       int
	Start            time.Time
	End              time.Time
	Owner            string
	Nonce            string
	ExpiresAt        time.Time
}
