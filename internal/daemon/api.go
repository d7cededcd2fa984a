package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/models"
	"github.com/vclsched/vclsched/internal/orchestrator"
	"github.com/vclsched/vclsched/internal/scheduler"
	"github.com/vclsched/vclsched/internal/semaphore"
)

const (
	maxJSONBytes       = 1 << 20
	defaultEventsLimit = 200
	maxEventsLimit     = 1000
)

// operations is the batch surface of Service.
type operations interface {
	Stage(ctx context.Context, batch orchestrator.Batch) (Staged, error)
	Confirm(ctx context.Context, actor, token string) (orchestrator.Report, error)
	Apply(ctx context.Context, batch orchestrator.Batch) (orchestrator.Report, error)
	Cancel(ctx context.Context, actor string, computerID int, target models.ComputerState) (bool, error)
	DeleteComputer(ctx context.Context, actor string, computerID int) error
}

// ControlAPI serves the local control plane over the Unix socket.
//
// Endpoints:
//   - GET    /v1/computers                    - List computers
//   - POST   /v1/computers                    - Register a computer
//   - GET    /v1/computers/{id}               - Computer, its VMs and reservations
//   - DELETE /v1/computers/{id}               - Soft-delete an idle computer
//   - POST   /v1/computers/{id}/cancel        - Cancel a scheduled transition
//   - GET    /v1/computers/{id}/events        - Audit events
//   - GET    /v1/computers/{id}/reservations  - List reservations
//   - POST   /v1/computers/{id}/reservations  - Book a computer
//   - POST   /v1/profiles                     - Create a VM host profile
//   - POST   /v1/grants                       - Grant manage rights
//   - POST   /v1/batches/preview              - Preview a batch and stage it
//   - POST   /v1/batches/confirm              - Apply a staged batch
//   - POST   /v1/batches                      - Apply a batch directly
//   - GET    /v1/locks                        - List held semaphores
//
// Every mutating request names its actor in the X-Vclsched-Actor header.
type ControlAPI struct {
	store  *db.Store
	locks  *semaphore.Manager
	ops     operations
	logger  zerolog.Logger
	now     func() time.Time
	limiter *ActorRateLimiter
}

func NewControlAPI(store *db.Store, locks *semaphore.Manager, ops operations, logger zerolog.Logger) *ControlAPI {
	return &ControlAPI{
		store:  store,
		locks:  locks,
		ops:    ops,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the clock used to validate reservation times.
func (api *ControlAPI) WithClock(now func() time.Time) *ControlAPI {
	if api != nil && now != nil {
		api.now = now
	}
	return api
}

// WithRateLimiter limits batch previews and direct applies per actor.
// A nil limiter disables the limit.
func (api *ControlAPI) WithRateLimiter(limiter *ActorRateLimiter) *ControlAPI {
	if api != nil {
		api.limiter = limiter
	}
	return api
}

// Register wires the v1 routes into mux.
func (api *ControlAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/computers", api.handleListComputers)
	mux.HandleFunc("POST /v1/computers", api.handleCreateComputer)
	mux.HandleFunc("GET /v1/computers/{id}", api.handleGetComputer)
	mux.HandleFunc("DELETE /v1/computers/{id}", api.handleDeleteComputer)
	mux.HandleFunc("POST /v1/computers/{id}/cancel", api.handleCancel)
	mux.HandleFunc("GET /v1/computers/{id}/events", api.handleEvents)
	mux.HandleFunc("GET /v1/computers/{id}/reservations", api.handleListReservations)
	mux.HandleFunc("POST /v1/computers/{id}/reservations", api.handleCreateReservation)
	mux.HandleFunc("POST /v1/profiles", api.handleCreateProfile)
	mux.HandleFunc("POST /v1/grants", api.handleGrant)
	mux.HandleFunc("POST /v1/batches/preview", api.handlePreview)
	mux.HandleFunc("POST /v1/batches/confirm", api.handleConfirm)
	mux.HandleFunc("POST /v1/batches", api.handleApply)
	mux.HandleFunc("GET /v1/locks", api.handleLocks)
}

func (api *ControlAPI) handleListComputers(w http.ResponseWriter, r *http.Request) {
	list, err := api.store.ListComputers(r.Context())
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1ComputersResponse{Computers: computersToV1(list)})
}

func (api *ControlAPI) handleCreateComputer(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	var req V1ComputerCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, daemonErrorCodeMalformedJSON, "invalid json", err)
		return
	}
	computer := models.Computer{
		Hostname:     req.Hostname,
		Type:         models.ComputerType(strings.ToLower(strings.TrimSpace(req.Type))),
		State:        models.ComputerAvailable,
		Provisioning: req.Provisioning,
		VMHostID:     req.VMHostID,
	}
	if strings.TrimSpace(req.State) != "" {
		state, err := models.ParseComputerState(req.State)
		if err != nil {
			writeError(w, http.StatusBadRequest, daemonErrorCodeInvalidValue, err.Error())
			return
		}
		computer.State = state
	}
	if computer.VMHostID != nil && computer.Type != models.ComputerVirtualMachine {
		writeError(w, http.StatusBadRequest, daemonErrorCodeInvalidValue, "only virtual machines can be assigned to a host")
		return
	}
	if !computer.Type.Valid() {
		writeError(w, http.StatusBadRequest, daemonErrorCodeInvalidValue, fmt.Sprintf("invalid computer type %q", req.Type))
		return
	}
	id, err := api.store.CreateComputer(r.Context(), computer)
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	created, err := api.store.GetComputer(r.Context(), id)
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, computerToV1(created))
}

func (api *ControlAPI) handleGetComputer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := api.store.GetComputer(r.Context(), id)
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	resp := V1ComputerDetailResponse{Computer: computerToV1(c)}
	if c.State == models.ComputerVMHostInUse {
		vms, err := api.store.ListVMsOnHost(r.Context(), c.ID)
		if err != nil {
			api.writeOpError(w, err)
			return
		}
		resp.VMs = computersToV1(vms)
	}
	reservations, err := api.store.ListReservationsByComputer(r.Context(), c.ID)
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	resp.Reservations = reservationsToV1(reservations)
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleDeleteComputer(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := api.ops.DeleteComputer(r.Context(), actor, id); err != nil {
		api.writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *ControlAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req V1CancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, daemonErrorCodeMalformedJSON, "invalid json", err)
		return
	}
	target, err := models.ParseComputerState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, daemonErrorCodeInvalidValue, err.Error())
		return
	}
	canceled, err := api.ops.Cancel(r.Context(), actor, id, target)
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1CancelResponse{Canceled: canceled})
}

func (api *ControlAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	after, err := parseQueryInt64(r.URL.Query().Get("after"))
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, daemonErrorCodeInvalidValue, "after must be a non-negative integer")
		return
	}
	limit, err := parseQueryInt(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, daemonErrorCodeInvalidValue, "limit must be a non-negative integer")
		return
	}
	if limit == 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	list, err := api.store.ListEventsByComputer(r.Context(), id, after, limit)
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	resp := V1EventsResponse{Events: make([]V1Event, 0, len(list)), LastID: after}
	for _, e := range list {
		resp.Events = append(resp.Events, eventToV1(e))
		resp.LastID = e.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleListReservations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := api.store.ListReservationsByComputer(r.Context(), id)
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1ReservationsResponse{Reservations: reservationsToV1(list)})
}

// handleCreateReservation books a computer under its semaphore so the
// conflict check and the insert see the same reservations.
func (api *ControlAPI) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req V1ReservationCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, daemonErrorCodeMalformedJSON, "invalid json", err)
		return
	}
	res, err := parseReservationRequest(id, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, daemonErrorCodeInvalidValue, err.Error())
		return
	}
	if res.End != nil && !res.End.After(api.now()) {
		writeError(w, http.StatusBadRequest, daemonErrorCodeInvalidValue, "reservation would already have ended")
		return
	}
	c, err := api.store.GetComputer(r.Context(), id)
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	if c.Deleted {
		writeError(w, http.StatusNotFound, daemonErrorCodeNotFound, fmt.Sprintf("computer %d is deleted", id))
		return
	}
	if !c.State.Bookable() {
		writeError(w, http.StatusConflict, daemonErrorCodeComputerBusy, fmt.Sprintf("computer %d is %s and cannot be booked", id, c.State))
		return
	}
	tupleEnd := res.Start.Add(scheduler.PlaceholderSpan)
	if res.End != nil {
		tupleEnd = *res.End
	}
	tuple := semaphore.Tuple{ComputerID: id, ImageID: res.ImageID, Start: res.Start, End: tupleEnd}
	var created models.Reservation
	err = api.locks.With(r.Context(), []semaphore.Tuple{tuple}, func(ctx context.Context) error {
		held, err := api.store.FindOccupying(ctx, id, res.Start, res.End)
		if err != nil {
			return err
		}
		if len(held) > 0 {
			return fmt.Errorf("%w: %s reservation %d overlaps", orchestrator.ErrComputerBusy, held[0].State, held[0].ID)
		}
		created, err = api.store.CreateReservation(ctx, actor, res)
		return err
	})
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	api.logger.Info().Str("actor", actor).Int("computer_id", id).Int64("reservation_id", created.ID).Msg("reservation created")
	writeJSON(w, http.StatusCreated, reservationToV1(created))
}

func parseReservationRequest(computerID int, req V1ReservationCreateRequest) (models.Reservation, error) {
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.Start))
	if err != nil {
		return models.Reservation{}, fmt.Errorf("start must be RFC3339: %w", err)
	}
	if req.DurationMinutes < 0 {
		return models.Reservation{}, errors.New("duration_minutes must not be negative")
	}
	state := models.ReservationReserved
	if strings.TrimSpace(req.State) != "" {
		state = models.ReservationState(strings.ToLower(strings.TrimSpace(req.State)))
	}
	if state.IsPlaceholder() || state.Terminal() {
		return models.Reservation{}, fmt.Errorf("reservation state %q cannot be booked", state)
	}
	blocking := false
	for _, s := range models.BlockingReservationStates {
		if s == state {
			blocking = true
		}
	}
	if !blocking {
		return models.Reservation{}, fmt.Errorf("unknown reservation state %q", state)
	}
	res := models.Reservation{
		ComputerID: computerID,
		ImageID:    req.ImageID,
		Start:      start.UTC(),
		State:      state,
	}
	if req.DurationMinutes > 0 {
		end := res.Start.Add(time.Duration(req.DurationMinutes) * time.Minute)
		res.End = &end
	}
	return res, nil
}

func (api *ControlAPI) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	var req V1ProfileCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, daemonErrorCodeMalformedJSON, "invalid json", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.ImageID <= 0 {
		writeError(w, http.StatusBadRequest, daemonErrorCodeInvalidValue, "name and a positive image_id are required")
		return
	}
	id, err := api.store.CreateVMProfile(r.Context(), models.VMProfile{Name: strings.TrimSpace(req.Name), ImageID: req.ImageID})
	if err != nil {
		if isUniqueConstraint(err) {
			writeError(w, http.StatusConflict, daemonErrorCodeInvalidValue, "profile name already exists", err)
			return
		}
		api.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, V1Profile{ID: id, Name: strings.TrimSpace(req.Name), ImageID: req.ImageID})
}

func (api *ControlAPI) handleGrant(w http.ResponseWriter, r *http.Request) {
	granter, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req V1GrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, daemonErrorCodeMalformedJSON, "invalid json", err)
		return
	}
	if strings.TrimSpace(req.Actor) == "" || req.ComputerID < 0 {
		writeError(w, http.StatusBadRequest, daemonErrorCodeInvalidValue, "actor and a non-negative computer_id are required")
		return
	}
	if err := api.store.GrantManage(r.Context(), req.Actor, req.ComputerID); err != nil {
		api.writeOpError(w, err)
		return
	}
	api.logger.Info().Str("granter", granter).Str("actor", req.Actor).Int("computer_id", req.ComputerID).Msg("manage granted")
	w.WriteHeader(http.StatusNoContent)
}

func (api *ControlAPI) handlePreview(w http.ResponseWriter, r *http.Request) {
	batch, ok := api.decodeBatch(w, r)
	if !ok {
		return
	}
	staged, err := api.ops.Stage(r.Context(), batch)
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, V1StagedResponse{Report: staged.Report, Token: staged.Token})
}

func (api *ControlAPI) handleConfirm(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req V1ConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, daemonErrorCodeMalformedJSON, "invalid json", err)
		return
	}
	report, err := api.ops.Confirm(r.Context(), actor, strings.TrimSpace(req.Token))
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (api *ControlAPI) handleApply(w http.ResponseWriter, r *http.Request) {
	batch, ok := api.decodeBatch(w, r)
	if !ok {
		return
	}
	report, err := api.ops.Apply(r.Context(), batch)
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (api *ControlAPI) handleLocks(w http.ResponseWriter, r *http.Request) {
	list, err := api.store.ListSemaphores(r.Context())
	if err != nil {
		api.writeOpError(w, err)
		return
	}
	resp := V1LocksResponse{Locks: make([]V1Lock, 0, len(list))}
	for _, s := range list {
		resp.Locks = append(resp.Locks, lockToV1(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeBatch reads a batch body. The header actor always wins over the body.
func (api *ControlAPI) decodeBatch(w http.ResponseWriter, r *http.Request) (orchestrator.Batch, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return orchestrator.Batch{}, false
	}
	if !api.limiter.Allow(actor) {
		writeRateLimitExceeded(w)
		return orchestrator.Batch{}, false
	}
	var batch orchestrator.Batch
	if err := decodeJSON(w, r, &batch); err != nil {
		writeError(w, http.StatusBadRequest, daemonErrorCodeMalformedJSON, "invalid json", err)
		return orchestrator.Batch{}, false
	}
	batch.Actor = actor
	return batch, true
}

func (api *ControlAPI) writeOpError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		api.logger.Error().Err(err).Str("code", code).Msg("control request failed")
	}
	resp := V1ErrorResponse{Error: err.Error(), Code: code}
	var denied *orchestrator.AccessDeniedError
	if errors.As(err, &denied) {
		resp.IDs = denied.IDs
	}
	writeJSON(w, status, resp)
}

func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		writeError(w, http.StatusUnauthorized, daemonErrorCodeAuthMissingActor, "missing "+ActorHeader+" header")
		return "", false
	}
	return actor, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, daemonErrorCodeInvalidValue, "computer id must be a positive integer")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string, err ...error) {
	resp := V1ErrorResponse{Error: msg, Code: code}
	if len(err) > 0 && err[0] != nil {
		resp.Error = msg + ": " + err[0].Error()
	}
	writeJSON(w, status, resp)
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func parseQueryInt(value string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func parseQueryInt64(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}
