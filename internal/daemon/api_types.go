package daemon

import (
	"time"

	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/models"
	"github.com/vclsched/vclsched/internal/orchestrator"
)

// ActorHeader carries the acting administrator on every control request.
const ActorHeader = "X-Vclsched-Actor"

type V1ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	// IDs lists the computers an access-denied actor may not manage.
	IDs []int `json:"ids,omitempty"`
}

type V1Computer struct {
	ID              int    `json:"id"`
	Hostname        string `json:"hostname"`
	State           string `json:"state"`
	StateID         int    `json:"state_id"`
	Type            string `json:"type"`
	Provisioning    string `json:"provisioning"`
	VMHostProfileID *int   `json:"vmhost_profile_id,omitempty"`
	VMHostID        *int   `json:"vmhost_id,omitempty"`
	Notes           string `json:"notes,omitempty"`
	NATEnabled      bool   `json:"nat_enabled"`
	NATHostID       *int   `json:"nat_host_id,omitempty"`
	ScheduleID      *int   `json:"schedule_id,omitempty"`
	Deleted         bool   `json:"deleted,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type V1ComputersResponse struct {
	Computers []V1Computer `json:"computers"`
}

type V1ComputerCreateRequest struct {
	Hostname     string `json:"hostname"`
	Type         string `json:"type"`
	State        string `json:"state,omitempty"`
	Provisioning string `json:"provisioning,omitempty"`
	VMHostID     *int   `json:"vmhost_id,omitempty"`
}

type V1ComputerDetailResponse struct {
	Computer     V1Computer      `json:"computer"`
	VMs          []V1Computer    `json:"vms,omitempty"`
	Reservations []V1Reservation `json:"reservations"`
}

type V1Reservation struct {
	ID               int64   `json:"id"`
	RequestID        int64   `json:"request_id"`
	ComputerID       int     `json:"computer_id"`
	ImageID          int     `json:"image_id"`
	ManagementNodeID int     `json:"management_node_id,omitempty"`
	Start            string  `json:"start"`
	End              *string `json:"end,omitempty"`
	State            string  `json:"state"`
	Placeholder      bool    `json:"placeholder,omitempty"`
	Notes            string  `json:"notes,omitempty"`
}

type V1ReservationsResponse struct {
	Reservations []V1Reservation `json:"reservations"`
}

// V1ReservationCreateRequest books a computer. A zero duration is indefinite.
type V1ReservationCreateRequest struct {
	Start           string `json:"start"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	ImageID         int    `json:"image_id,omitempty"`
	State           string `json:"state,omitempty"`
}

type V1ProfileCreateRequest struct {
	Name    string `json:"name"`
	ImageID int    `json:"image_id"`
}

type V1Profile struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	ImageID int    `json:"image_id"`
}

// V1GrantRequest grants manage on one computer, or on all when ComputerID is 0.
type V1GrantRequest struct {
	Actor      string `json:"actor"`
	ComputerID int    `json:"computer_id"`
}

type V1StagedResponse struct {
	Report orchestrator.Report `json:"report"`
	Token  string              `json:"token,omitempty"`
}

type V1ConfirmRequest struct {
	Token string `json:"token"`
}

type V1CancelRequest struct {
	State string `json:"state"`
}

type V1CancelResponse struct {
	Canceled bool `json:"canceled"`
}

type V1Event struct {
	ID         int64  `json:"id"`
	Timestamp  string `json:"ts"`
	Kind       string `json:"kind"`
	ComputerID *int   `json:"computer_id,omitempty"`
	Message    string `json:"message,omitempty"`
	JSON       string `json:"json,omitempty"`
}

type V1EventsResponse struct {
	Events []V1Event `json:"events"`
	LastID int64     `json:"last_id"`
}

type V1Lock struct {
	ID         int64  `json:"id"`
	ComputerID int    `json:"computer_id"`
	Start      string `json:"start"`
	End        string `json:"end"`
	Owner      string `json:"owner"`
	ExpiresAt  string `json:"expires_at"`
}

type V1LocksResponse struct {
	Locks []V1Lock `json:"locks"`
}

func formatAPITime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func computerToV1(c models.Computer) V1Computer {
	return V1Computer{
		ID:              c.ID,
		Hostname:        c.Hostname,
		State:           c.State.String(),
		StateID:         int(c.State),
		Type:            string(c.Type),
		Provisioning:    c.Provisioning,
		VMHostProfileID: c.VMHostProfileID,
		VMHostID:        c.VMHostID,
		Notes:           c.Notes,
		NATEnabled:      c.NATEnabled,
		NATHostID:       c.NATHostID,
		ScheduleID:      c.ScheduleID,
		Deleted:         c.Deleted,
		CreatedAt:       formatAPITime(c.CreatedAt),
		UpdatedAt:       formatAPITime(c.UpdatedAt),
	}
}

func computersToV1(list []models.Computer) []V1Computer {
	out := make([]V1Computer, 0, len(list))
	for _, c := range list {
		out = append(out, computerToV1(c))
	}
	return out
}

func reservationToV1(r models.Reservation) V1Reservation {
	out := V1Reservation{
		ID:               r.ID,
		RequestID:        r.RequestID,
		ComputerID:       r.ComputerID,
		ImageID:          r.ImageID,
		ManagementNodeID: r.ManagementNodeID,
		Start:            formatAPITime(r.Start),
		State:            string(r.State),
		Placeholder:      r.State.IsPlaceholder(),
		Notes:            r.Notes,
	}
	if r.End != nil {
		end := formatAPITime(*r.End)
		out.End = &end
	}
	return out
}

func reservationsToV1(list []models.Reservation) []V1Reservation {
	out := make([]V1Reservation, 0, len(list))
	for _, r := range list {
		out = append(out, reservationToV1(r))
	}
	return out
}

func eventToV1(e db.Event) V1Event {
	return V1Event{
		ID:         e.ID,
		Timestamp:  formatAPITime(e.Timestamp),
		Kind:       e.Kind,
		ComputerID: e.ComputerID,
		Message:    e.Message,
		JSON:       e.JSON,
	}
}

func lockToV1(s models.Semaphore) V1Lock {
	return V1Lock{
		ID:         s.ID,
		ComputerID: s.ComputerID,
		Start:      formatAPITime(s.Start),
		End:        formatAPITime(s.End),
		Owner:      s.Owner,
		ExpiresAt:  formatAPITime(s.ExpiresAt),
	}
}
