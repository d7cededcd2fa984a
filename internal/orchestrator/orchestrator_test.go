package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vclsched/vclsched/internal/db"
	"github.com/vclsched/vclsched/internal/events"
	"github.com/vclsched/vclsched/internal/metrics"
	"github.com/vclsched/vclsched/internal/models"
	"github.com/vclsched/vclsched/internal/scheduler"
	"github.com/vclsched/vclsched/internal/semaphore"
	testutil "github.com/vclsched/vclsched/internal/testing"
)

type fixture struct {
	store *db.Store
	orch  *Orchestrator
	clock *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := testutil.NewClock(testutil.FixedTime)
	logger := zerolog.Nop()
	noSleep := func(context.Context, time.Duration) error { return nil }
	locks := semaphore.NewManager(store, logger).WithClock(clock.Now, noSleep)
	relocator := scheduler.NewStoreRelocator(store, logger).WithClock(clock.Now).WithLocks(locks)
	sched := scheduler.New(store, logger).WithRelocator(relocator).WithClock(clock.Now)
	orch := New(store, sched, locks, logger).WithClock(clock.Now).WithMetrics(metrics.New())

	require.NoError(t, store.GrantManage(context.Background(), testutil.TestActor, db.AllComputers))
	return &fixture{store: store, orch: orch, clock: clock}
}

func (f *fixture) computer(t *testing.T, hostname string, opts testutil.ComputerOpts) int {
	t.Helper()
	opts.Hostname = hostname
	id, err := f.store.CreateComputer(context.Background(), testutil.NewTestComputer(opts))
	require.NoError(t, err)
	return id
}

func (f *fixture) profile(t *testing.T, name string, imageID int) int {
	t.Helper()
	id, err := f.store.CreateVMProfile(context.Background(), testutil.NewTestProfile(name, imageID))
	require.NoError(t, err)
	return id
}

// host creates a provisioning-free blade in vmhostinuse with vms assigned VMs.
func (f *fixture) host(t *testing.T, hostname string, profileID, vms int) (int, []int) {
	t.Helper()
	ctx := context.Background()
	hostID := f.computer(t, hostname, testutil.ComputerOpts{Provisioning: models.ProvisioningNone})
	require.NoError(t, f.store.EnterVMHost(ctx, hostID, models.ComputerAvailable, profileID))
	var ids []int
	for i := 0; i < vms; i++ {
		vmID := f.computer(t, hostname+"-vm"+string(rune('a'+i)), testutil.ComputerOpts{
			Type:     models.ComputerVirtualMachine,
			VMHostID: testutil.IntPtr(hostID),
		})
		ids = append(ids, vmID)
	}
	return hostID, ids
}

// reserve books computerID from start for length; zero length is indefinite.
func (f *fixture) reserve(t *testing.T, computerID int, start time.Time, length time.Duration) models.Reservation {
	t.Helper()
	opts := testutil.ReservationOpts{ComputerID: computerID, Start: start}
	if length > 0 {
		opts.End = testutil.TimePtr(start.Add(length))
	} else {
		opts.Indefinite = true
	}
	r, err := f.store.CreateReservation(context.Background(), "user@local", testutil.NewTestReservation(opts))
	require.NoError(t, err)
	return r
}

func (f *fixture) state(t *testing.T, id int) models.Computer {
	t.Helper()
	c, err := f.store.GetComputer(context.Background(), id)
	require.NoError(t, err)
	return c
}

func stateBatch(target models.ComputerState, ids ...int) Batch {
	return Batch{Actor: testutil.TestActor, ComputerIDs: ids, Action: Action{Kind: KindState, State: target}}
}

func ids(entries []Entry) []int {
	var out []int
	for _, e := range entries {
		out = append(out, e.ComputerID)
	}
	return out
}

func TestApplyMaintenanceRecordsNotes(t *testing.T) {
	f := newFixture(t)
	id := f.computer(t, "blade-01", testutil.ComputerOpts{})

	batch := stateBatch(models.ComputerMaintenance, id)
	batch.Action.Reason = "disk swap"
	report, err := f.orch.Apply(context.Background(), batch)
	require.NoError(t, err)

	require.Len(t, report.Immediate, 1)
	assert.Equal(t, id, report.Immediate[0].ComputerID)
	assert.Equal(t, 1, report.Total())

	c := f.state(t, id)
	assert.Equal(t, models.ComputerMaintenance, c.State)
	assert.Equal(t, "admin@local 2024-01-01T12:00:00Z@disk swap", c.Notes)
}

func TestApplyLeavingMaintenanceClearsNotes(t *testing.T) {
	f := newFixture(t)
	id := f.computer(t, "blade-01", testutil.ComputerOpts{State: models.ComputerMaintenance, Notes: "admin@local 2024-01-01T10:00:00Z@fan"})

	report, err := f.orch.Apply(context.Background(), stateBatch(models.ComputerAvailable, id))
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)

	c := f.state(t, id)
	assert.Equal(t, models.ComputerAvailable, c.State)
	assert.Empty(t, c.Notes)
}

func TestApplyHostReleaseIndefiniteVM(t *testing.T) {
	f := newFixture(t)
	profileID := f.profile(t, "esxi", 0)
	hostID, vms := f.host(t, "blade-01", profileID, 2)
	f.reserve(t, vms[0], testutil.FixedTime.Add(-time.Hour), 0)
	f.reserve(t, vms[1], testutil.FixedTime.Add(-time.Hour), 2*time.Hour)

	report, err := f.orch.Apply(context.Background(), stateBatch(models.ComputerAvailable, hostID))
	require.NoError(t, err)

	require.Len(t, report.Rejected, 1)
	entry := report.Rejected[0]
	assert.Equal(t, CodeIndefiniteConflict, entry.Code)
	assert.Equal(t, []int{vms[0]}, entry.ConflictIDs)
	assert.Nil(t, entry.At)
	assert.Empty(t, report.Deferred)

	assert.Equal(t, models.ComputerVMHostInUse, f.state(t, hostID).State)
	_, ok, err := f.store.FindPlaceholder(context.Background(), hostID, models.ReservationToAvailable)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyHostReleaseDeferredUntilVMsClear(t *testing.T) {
	f := newFixture(t)
	profileID := f.profile(t, "esxi", 0)
	hostID, vms := f.host(t, "blade-01", profileID, 2)
	f.reserve(t, vms[0], testutil.FixedTime.Add(-time.Hour), 2*time.Hour)
	f.reserve(t, vms[1], testutil.FixedTime.Add(-time.Hour), 3*time.Hour)

	report, err := f.orch.Apply(context.Background(), stateBatch(models.ComputerAvailable, hostID))
	require.NoError(t, err)

	require.Len(t, report.Deferred, 1)
	want := testutil.FixedTime.Add(2*time.Hour + scheduler.VMGrace)
	assert.Equal(t, want, *report.Deferred[0].At)
	assert.Equal(t, models.ComputerVMHostInUse, f.state(t, hostID).State)
}

func TestApplyHostReleaseClear(t *testing.T) {
	f := newFixture(t)
	profileID := f.profile(t, "esxi", 0)
	hostID, vms := f.host(t, "blade-01", profileID, 1)

	report, err := f.orch.Apply(context.Background(), stateBatch(models.ComputerAvailable, hostID))
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)

	host := f.state(t, hostID)
	assert.Equal(t, models.ComputerAvailable, host.State)
	assert.Nil(t, host.VMHostProfileID)
	assert.Nil(t, f.state(t, vms[0]).VMHostID)
}

func TestApplyEnterHostUnprovisioned(t *testing.T) {
	f := newFixture(t)
	profileID := f.profile(t, "esxi", 0)
	id := f.computer(t, "blade-01", testutil.ComputerOpts{State: models.ComputerMaintenance, Provisioning: models.ProvisioningNone})

	batch := stateBatch(models.ComputerVMHostInUse, id)
	batch.Action.ProfileID = profileID
	report, err := f.orch.Apply(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)
	assert.Equal(t, "enter_host", report.Immediate[0].Action)

	assert.Equal(t, models.ComputerVMHostInUse, f.state(t, id).State)
	host, err := f.store.GetVMHostByComputer(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, profileID, host.ProfileID)
}

func TestApplyEnterHostProvisionedQueuesReload(t *testing.T) {
	f := newFixture(t)
	f.orch.WithNodeSelector(StaticNodeSelector(7))
	profileID := f.profile(t, "esxi", 202)
	id := f.computer(t, "blade-01", testutil.ComputerOpts{})

	batch := stateBatch(models.ComputerVMHostInUse, id)
	batch.Action.ProfileID = profileID
	report, err := f.orch.Apply(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)
	assert.Equal(t, "host_reload", report.Immediate[0].Action)

	// The state waits for the reload to finish.
	assert.Equal(t, models.ComputerAvailable, f.state(t, id).State)
	r, ok, err := f.store.FindPlaceholder(context.Background(), id, models.ReservationToVMHostInUse)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 202, r.ImageID)
	assert.Equal(t, 7, r.ManagementNodeID)
	assert.Equal(t, testutil.FixedTime, r.Start)
}

func TestApplyEnterHostRetargetsPendingReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.WithNodeSelector(StaticNodeSelector(7))
	first := f.profile(t, "esxi-a", 202)
	second := f.profile(t, "esxi-b", 303)
	id := f.computer(t, "blade-01", testutil.ComputerOpts{})
	f.reserve(t, id, testutil.FixedTime.Add(-time.Hour), 3*time.Hour)

	batch := stateBatch(models.ComputerVMHostInUse, id)
	batch.Action.ProfileID = first
	report, err := f.orch.Apply(ctx, batch)
	require.NoError(t, err)
	require.Len(t, report.Deferred, 1)
	before, ok, err := f.store.FindPlaceholder(ctx, id, models.ReservationToVMHostInUse)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 202, before.ImageID)

	batch.Action.ProfileID = second
	report, err = f.orch.Apply(ctx, batch)
	require.NoError(t, err)
	require.Len(t, report.Deferred, 1)
	assert.Equal(t, "host_reload", report.Deferred[0].Action)

	after, ok, err := f.store.FindPlaceholder(ctx, id, models.ReservationToVMHostInUse)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, 303, after.ImageID, "the slot loads the latest profile's image")
	assert.Equal(t, 7, after.ManagementNodeID)
	assert.Equal(t, before.Start, after.Start)
	assert.Equal(t, *report.Deferred[0].At, after.Start)
}

func TestApplyAccessDeniedRejectsWholeBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.computer(t, "blade-01", testutil.ComputerOpts{})
	b := f.computer(t, "blade-02", testutil.ComputerOpts{})
	c := f.computer(t, "blade-03", testutil.ComputerOpts{})
	require.NoError(t, f.store.GrantManage(ctx, "tech@local", a))
	require.NoError(t, f.store.GrantManage(ctx, "tech@local", c))

	batch := stateBatch(models.ComputerMaintenance, a, b, c)
	batch.Actor = "tech@local"
	report, err := f.orch.Apply(ctx, batch)
	require.Error(t, err)
	assert.Zero(t, report.Total())

	var denied *AccessDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, []int{b}, denied.IDs)
	assert.ErrorIs(t, err, ErrAccessDenied)

	for _, id := range []int{a, b, c} {
		assert.Equal(t, models.ComputerAvailable, f.state(t, id).State)
		evts, err := f.store.ListEventsByComputer(ctx, id, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, evts)
	}
}

func TestApplyPartitionsBatch(t *testing.T) {
	f := newFixture(t)
	profileID := f.profile(t, "esxi", 0)
	ready := f.computer(t, "blade-01", testutil.ComputerOpts{Provisioning: models.ProvisioningNone})
	noNode := f.computer(t, "blade-02", testutil.ComputerOpts{})
	lab := f.computer(t, "lab-01", testutil.ComputerOpts{Type: models.ComputerLab})
	busy := f.computer(t, "blade-03", testutil.ComputerOpts{Provisioning: models.ProvisioningNone})
	f.reserve(t, busy, testutil.FixedTime.Add(-30*time.Minute), 2*time.Hour)
	missing := 999

	batch := stateBatch(models.ComputerVMHostInUse, ready, noNode, lab, missing, busy)
	batch.Action.ProfileID = profileID
	report, err := f.orch.Apply(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, []int{ready}, ids(report.Immediate))
	assert.Equal(t, []int{busy}, ids(report.Deferred))
	assert.Equal(t, []int{lab, missing}, ids(report.Rejected))
	assert.Equal(t, []int{noNode}, ids(report.Failed))
	assert.Equal(t, len(batch.ComputerIDs), report.Total())

	assert.Equal(t, CodeInvalidTransition, report.Rejected[0].Code)
	assert.Equal(t, CodeNotFound, report.Rejected[1].Code)
	assert.Equal(t, CodeNoManagementNode, report.Failed[0].Code)
	assert.Equal(t, testutil.FixedTime.Add(90*time.Minute+scheduler.VMGrace), *report.Deferred[0].At)

	assert.Equal(t, models.ComputerAvailable, f.state(t, noNode).State)
	assert.Equal(t, models.ComputerAvailable, f.state(t, busy).State)
}

func TestApplyDeferredMaintenanceKeepsEarliestSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.computer(t, "blade-01", testutil.ComputerOpts{})
	r := f.reserve(t, id, testutil.FixedTime.Add(-time.Hour), 3*time.Hour)

	report, err := f.orch.Apply(ctx, stateBatch(models.ComputerMaintenance, id))
	require.NoError(t, err)
	require.Len(t, report.Deferred, 1)
	assert.Equal(t, *r.End, *report.Deferred[0].At)

	// The booking is cut short; the slot follows it earlier.
	_, err = f.store.DB.Exec(`UPDATE reservations SET end_at = ? WHERE id = ?`,
		testutil.FixedTime.Add(time.Hour).UTC().Format("2006-01-02T15:04:05.000000000Z"), r.ID)
	require.NoError(t, err)

	report, err = f.orch.Apply(ctx, stateBatch(models.ComputerMaintenance, id))
	require.NoError(t, err)
	require.Len(t, report.Deferred, 1)
	assert.Equal(t, testutil.FixedTime.Add(time.Hour), *report.Deferred[0].At)

	var n int
	require.NoError(t, f.store.DB.QueryRow(`SELECT COUNT(*) FROM reservations WHERE computer_id = ? AND state = ?`,
		id, string(models.ReservationToMaintenance)).Scan(&n))
	assert.Equal(t, 1, n)
	assert.Equal(t, models.ComputerAvailable, f.state(t, id).State)
}

func TestApplyDeferredMaintenanceStoresNotesOnPlaceholder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.computer(t, "blade-01", testutil.ComputerOpts{})
	f.reserve(t, id, testutil.FixedTime.Add(-time.Hour), 2*time.Hour)

	batch := stateBatch(models.ComputerMaintenance, id)
	batch.Action.Reason = "disk swap"
	report, err := f.orch.Apply(ctx, batch)
	require.NoError(t, err)
	require.Len(t, report.Deferred, 1)

	assert.Empty(t, f.state(t, id).Notes)
	r, ok, err := f.store.FindPlaceholder(ctx, id, models.ReservationToMaintenance)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "admin@local 2024-01-01T12:00:00Z@disk swap", r.Notes)

	// A later request with a new reason replaces the notes, not the slot.
	f.clock.Advance(time.Minute)
	batch.Action.Reason = "disk swap, second try"
	_, err = f.orch.Apply(ctx, batch)
	require.NoError(t, err)
	again, ok, err := f.store.FindPlaceholder(ctx, id, models.ReservationToMaintenance)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, r.ID, again.ID)
	assert.Equal(t, r.Start, again.Start)
	assert.Equal(t, "admin@local 2024-01-01T12:01:00Z@disk swap, second try", again.Notes)
}

func TestApplyHostMaintenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	profileID := f.profile(t, "esxi", 0)
	hostID, vms := f.host(t, "blade-01", profileID, 2)
	f.reserve(t, vms[1], testutil.FixedTime.Add(-time.Hour), 2*time.Hour)

	batch := stateBatch(models.ComputerMaintenance, hostID)
	batch.Action.Reason = "firmware"
	report, err := f.orch.Apply(ctx, batch)
	require.NoError(t, err)
	require.Len(t, report.Deferred, 1)
	assert.Equal(t, testutil.FixedTime.Add(time.Hour+scheduler.VMGrace), *report.Deferred[0].At)

	// The idle VM goes down now, the busy one gets its own slot.
	idle := f.state(t, vms[0])
	assert.Equal(t, models.ComputerMaintenance, idle.State)
	assert.Equal(t, "admin@local 2024-01-01T12:00:00Z@firmware", idle.Notes)
	assert.Equal(t, models.ComputerAvailable, f.state(t, vms[1]).State)
	_, ok, err := f.store.FindPlaceholder(ctx, vms[1], models.ReservationToMaintenance)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.ComputerVMHostInUse, f.state(t, hostID).State)
}

func TestApplyHostMaintenanceClearKeepsHostRecord(t *testing.T) {
	f := newFixture(t)
	profileID := f.profile(t, "esxi", 0)
	hostID, vms := f.host(t, "blade-01", profileID, 1)

	report, err := f.orch.Apply(context.Background(), stateBatch(models.ComputerMaintenance, hostID))
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)

	host := f.state(t, hostID)
	assert.Equal(t, models.ComputerMaintenance, host.State)
	require.NotNil(t, host.VMHostProfileID)
	assert.Equal(t, profileID, *host.VMHostProfileID)
	assert.Equal(t, models.ComputerMaintenance, f.state(t, vms[0]).State)

	// Back to available releases the host record.
	report, err = f.orch.Apply(context.Background(), stateBatch(models.ComputerAvailable, hostID))
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)
	assert.Equal(t, "release_host", report.Immediate[0].Action)
	assert.Nil(t, f.state(t, hostID).VMHostProfileID)
}

func TestApplyProfileSwapAndChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original := f.profile(t, "esxi", 101)
	sameImage := f.profile(t, "esxi-large", 101)
	otherImage := f.profile(t, "kvm", 303)
	hostID, _ := f.host(t, "blade-01", original, 0)

	batch := stateBatch(models.ComputerVMHostInUse, hostID)
	batch.Action.ProfileID = sameImage
	report, err := f.orch.Apply(ctx, batch)
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)
	assert.Equal(t, "host_profile_swap", report.Immediate[0].Action)

	batch.Action.ProfileID = otherImage
	report, err = f.orch.Apply(ctx, batch)
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)
	assert.Equal(t, "host_profile_change", report.Immediate[0].Action)

	host, err := f.store.GetVMHostByComputer(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, otherImage, host.ProfileID)

	// Asking for the current profile again is a no-op.
	report, err = f.orch.Apply(ctx, batch)
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)
	assert.Equal(t, "none", report.Immediate[0].Action)
}

func TestApplyPublishesInvalidation(t *testing.T) {
	f := newFixture(t)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()
	f.orch.WithBroker(broker)
	id := f.computer(t, "blade-01", testutil.ComputerOpts{})

	_, err := f.orch.Apply(context.Background(), stateBatch(models.ComputerMaintenance, id))
	require.NoError(t, err)

	select {
	case evt := <-sub:
		assert.Equal(t, events.EventComputerMutated, evt.Type)
		assert.Equal(t, events.ComputerScope(id), evt.Scope)
		assert.Equal(t, testutil.TestActor, evt.Metadata["actor"])
	case <-time.After(time.Second):
		t.Fatal("no invalidation event")
	}

	recorded, err := f.store.ListEventsByComputer(context.Background(), id, 0, 10)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, string(events.EventComputerMutated), recorded[0].Kind)
}

func TestApplySettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	nat := f.computer(t, "nat-01", testutil.ComputerOpts{})
	id := f.computer(t, "blade-01", testutil.ComputerOpts{})

	report, err := f.orch.Apply(ctx, Batch{Actor: testutil.TestActor, ComputerIDs: []int{id},
		Action: Action{Kind: KindProvisioning, Provisioning: "ipmi"}})
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)
	assert.Equal(t, "ipmi", f.state(t, id).Provisioning)

	report, err = f.orch.Apply(ctx, Batch{Actor: testutil.TestActor, ComputerIDs: []int{id, nat},
		Action: Action{Kind: KindNAT, NATEnabled: true, NATHostID: testutil.IntPtr(nat)}})
	require.NoError(t, err)
	assert.Equal(t, []int{id}, ids(report.Immediate))
	assert.Equal(t, []int{nat}, ids(report.Rejected))
	c := f.state(t, id)
	assert.True(t, c.NATEnabled)
	require.NotNil(t, c.NATHostID)
	assert.Equal(t, nat, *c.NATHostID)

	report, err = f.orch.Apply(ctx, Batch{Actor: testutil.TestActor, ComputerIDs: []int{id},
		Action: Action{Kind: KindSchedule, ScheduleID: testutil.IntPtr(3)}})
	require.NoError(t, err)
	require.Len(t, report.Immediate, 1)
	require.NotNil(t, f.state(t, id).ScheduleID)
	assert.Equal(t, 3, *f.state(t, id).ScheduleID)
}

func TestApplyReload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.WithNodeSelector(StaticNodeSelector(3))
	idle := f.computer(t, "blade-01", testutil.ComputerOpts{})
	busy := f.computer(t, "blade-02", testutil.ComputerOpts{})
	f.reserve(t, busy, testutil.FixedTime.Add(-time.Hour), 2*time.Hour)
	bare := f.computer(t, "blade-03", testutil.ComputerOpts{Provisioning: models.ProvisioningNone})
	down := f.computer(t, "blade-04", testutil.ComputerOpts{State: models.ComputerMaintenance})

	report, err := f.orch.Apply(ctx, Batch{Actor: testutil.TestActor, ComputerIDs: []int{idle, busy, bare, down},
		Action: Action{Kind: KindReload, ImageID: 55}})
	require.NoError(t, err)

	assert.Equal(t, []int{idle}, ids(report.Immediate))
	assert.Equal(t, testutil.FixedTime, *report.Immediate[0].At)
	assert.Equal(t, []int{busy}, ids(report.Deferred))
	assert.Equal(t, testutil.FixedTime.Add(time.Hour), *report.Deferred[0].At)
	assert.Equal(t, []int{bare, down}, ids(report.Rejected))

	rs, err := f.store.ListReservationsByComputer(ctx, idle)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, models.ReservationReload, rs[0].State)
	assert.Equal(t, 55, rs[0].ImageID)
	assert.Equal(t, 3, rs[0].ManagementNodeID)
}

func TestApplyReloadRespectsPlaceholderSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	held := f.computer(t, "blade-01", testutil.ComputerOpts{})
	after := f.computer(t, "blade-02", testutil.ComputerOpts{})
	for id, offset := range map[int]time.Duration{held: 30 * time.Minute, after: time.Hour} {
		_, err := f.store.InsertPlaceholder(ctx, db.Placeholder{
			ComputerID: id,
			State:      models.ReservationToMaintenance,
			Owner:      testutil.TestActor,
			Start:      testutil.FixedTime.Add(offset),
			End:        testutil.FixedTime.Add(offset + scheduler.PlaceholderSpan),
		})
		require.NoError(t, err)
	}
	batch := Batch{Actor: testutil.TestActor, ComputerIDs: []int{held, after}, Action: Action{Kind: KindReload, ImageID: 55}}

	preview, err := f.orch.Preview(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, []int{after}, ids(preview.Immediate))
	require.Len(t, preview.Rejected, 1)
	assert.Equal(t, held, preview.Rejected[0].ComputerID)

	report, err := f.orch.Apply(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, []int{after}, ids(report.Immediate))
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, held, report.Rejected[0].ComputerID)
	assert.Equal(t, CodeSchedulingFailed, report.Rejected[0].Code)
	assert.Contains(t, report.Rejected[0].Reason, "tomaintenance")

	rs, err := f.store.ListReservationsByComputer(ctx, held)
	require.NoError(t, err)
	require.Len(t, rs, 1, "no reload lands inside the held slot")
	assert.Equal(t, models.ReservationToMaintenance, rs[0].State)
}

func TestApplyRelocksWhenHostGainsVMs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	profileID := f.profile(t, "esxi", 0)
	hostID, _ := f.host(t, "blade-01", profileID, 0)

	// Another process holds the host while a VM is assigned to it.
	other := semaphore.NewManager(f.store, zerolog.Nop()).WithClock(f.clock.Now, nil)
	lease, err := other.Acquire(ctx, f.orch.tuple(hostID))
	require.NoError(t, err)

	var late int
	f.orch.locks.WithClock(nil, func(context.Context, time.Duration) error {
		if late == 0 {
			late = f.computer(t, "blade-01-late", testutil.ComputerOpts{
				Type:     models.ComputerVirtualMachine,
				VMHostID: testutil.IntPtr(hostID),
			})
			require.NoError(t, other.Release(ctx, lease))
		}
		return nil
	})

	report, err := f.orch.Apply(ctx, stateBatch(models.ComputerAvailable, hostID))
	require.NoError(t, err)
	require.NotZero(t, late)
	require.Len(t, report.Immediate, 1)
	assert.Equal(t, models.ComputerAvailable, f.state(t, hostID).State)

	evts, err := f.store.ListEventsByComputer(ctx, late, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, evts, "the late VM is handled with the host")
	assert.Equal(t, string(events.EventComputerMutated), evts[0].Kind)
}

func TestPreviewDoesNotWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idle := f.computer(t, "blade-01", testutil.ComputerOpts{})
	busy := f.computer(t, "blade-02", testutil.ComputerOpts{})
	f.reserve(t, busy, testutil.FixedTime.Add(-time.Hour), 2*time.Hour)
	forever := f.computer(t, "blade-03", testutil.ComputerOpts{})
	f.reserve(t, forever, testutil.FixedTime.Add(-time.Hour), 0)

	report, err := f.orch.Preview(ctx, stateBatch(models.ComputerMaintenance, idle, busy, forever))
	require.NoError(t, err)
	assert.Equal(t, []int{idle}, ids(report.Immediate))
	assert.Equal(t, []int{busy}, ids(report.Deferred))
	assert.Equal(t, testutil.FixedTime.Add(time.Hour), *report.Deferred[0].At)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, CodeIndefiniteConflict, report.Rejected[0].Code)

	assert.Equal(t, models.ComputerAvailable, f.state(t, idle).State)
	_, ok, err := f.store.FindPlaceholder(ctx, busy, models.ReservationToMaintenance)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.computer(t, "blade-01", testutil.ComputerOpts{})
	f.reserve(t, id, testutil.FixedTime.Add(-time.Hour), 2*time.Hour)

	report, err := f.orch.Apply(ctx, stateBatch(models.ComputerMaintenance, id))
	require.NoError(t, err)
	require.Len(t, report.Deferred, 1)

	canceled, err := f.orch.CancelScheduled(ctx, testutil.TestActor, id, models.ComputerMaintenance)
	require.NoError(t, err)
	assert.True(t, canceled)

	// Nothing left to cancel is not an error.
	canceled, err = f.orch.CancelScheduled(ctx, testutil.TestActor, id, models.ComputerMaintenance)
	require.NoError(t, err)
	assert.False(t, canceled)

	_, err = f.orch.CancelScheduled(ctx, testutil.TestActor, id, models.ComputerInUse)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDeleteComputer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idle := f.computer(t, "blade-01", testutil.ComputerOpts{})
	busy := f.computer(t, "blade-02", testutil.ComputerOpts{})
	f.reserve(t, busy, testutil.FixedTime.Add(time.Hour), time.Hour)

	require.NoError(t, f.orch.DeleteComputer(ctx, testutil.TestActor, idle))
	assert.True(t, f.state(t, idle).Deleted)

	err := f.orch.DeleteComputer(ctx, testutil.TestActor, busy)
	assert.ErrorIs(t, err, ErrComputerBusy)
	assert.False(t, f.state(t, busy).Deleted)

	err = f.orch.DeleteComputer(ctx, testutil.TestActor, idle)
	assert.ErrorIs(t, err, ErrComputerNotFound)

	// Deleted computers are not found by later batches.
	report, err := f.orch.Apply(ctx, stateBatch(models.ComputerMaintenance, idle))
	require.NoError(t, err)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, CodeNotFound, report.Rejected[0].Code)
}

func TestBatchValidate(t *testing.T) {
	tests := []struct {
		name    string
		batch   Batch
		wantErr string
	}{
		{"no actor", Batch{ComputerIDs: []int{1}, Action: Action{Kind: KindState, State: models.ComputerAvailable}}, "actor is required"},
		{"no ids", Batch{Actor: "a", Action: Action{Kind: KindState, State: models.ComputerAvailable}}, "at least one"},
		{"bad id", Batch{Actor: "a", ComputerIDs: []int{0}, Action: Action{Kind: KindState, State: models.ComputerAvailable}}, "invalid computer id"},
		{"duplicate", Batch{Actor: "a", ComputerIDs: []int{1, 1}, Action: Action{Kind: KindState, State: models.ComputerAvailable}}, "listed twice"},
		{"transient target", Batch{Actor: "a", ComputerIDs: []int{1}, Action: Action{Kind: KindState, State: models.ComputerReload}}, "cannot be selected"},
		{"host without profile", Batch{Actor: "a", ComputerIDs: []int{1}, Action: Action{Kind: KindState, State: models.ComputerVMHostInUse}}, "profile is required"},
		{"empty provisioning", Batch{Actor: "a", ComputerIDs: []int{1}, Action: Action{Kind: KindProvisioning}}, "provisioning engine"},
		{"nat without host", Batch{Actor: "a", ComputerIDs: []int{1}, Action: Action{Kind: KindNAT, NATEnabled: true}}, "nat host"},
		{"reload without image", Batch{Actor: "a", ComputerIDs: []int{1}, Action: Action{Kind: KindReload}}, "image id"},
		{"unknown kind", Batch{Actor: "a", ComputerIDs: []int{1}, Action: Action{Kind: "reboot"}}, "unknown action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.batch.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
	assert.NoError(t, stateBatch(models.ComputerMaintenance, 1, 2).Validate())
}

func TestAccessDeniedErrorMessage(t *testing.T) {
	err := newAccessDenied("tech@local", []int{9, 2})
	assert.Equal(t, "access denied: tech@local may not manage computers 2, 9", err.Error())
	assert.Equal(t, []int{2, 9}, err.IDs)
}
