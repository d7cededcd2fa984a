package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vclsched/vclsched/internal/models"
	testutil "github.com/vclsched/vclsched/internal/testing"
)

func createTestReservation(t *testing.T, store *Store, opts testutil.ReservationOpts) models.Reservation {
	t.Helper()
	r, err := store.CreateReservation(context.Background(), testutil.TestActor, testutil.NewTestReservation(opts))
	require.NoError(t, err)
	return r
}

func TestCreateReservation(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	computer := createTestComputer(t, store, testutil.ComputerOpts{})

	t.Run("bounded", func(t *testing.T) {
		r := createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer})
		assert.NotZero(t, r.ID)
		assert.NotZero(t, r.RequestID)

		got, err := store.GetReservation(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, testutil.FixedTime, got.Start)
		require.NotNil(t, got.End)
		assert.Equal(t, testutil.FixedTime.Add(time.Hour), *got.End)
		assert.Equal(t, models.ReservationReserved, got.State)
	})

	t.Run("indefinite", func(t *testing.T) {
		r := createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer, Indefinite: true})
		got, err := store.GetReservation(ctx, r.ID)
		require.NoError(t, err)
		assert.True(t, got.Indefinite())
	})

	t.Run("defaults", func(t *testing.T) {
		r, err := store.CreateReservation(ctx, "user", models.Reservation{ComputerID: computer, Start: testutil.FixedTime})
		require.NoError(t, err)
		assert.Equal(t, models.ReservationPending, r.State)
		assert.Equal(t, models.NoImageID, r.ImageID)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := store.CreateReservation(ctx, "", models.Reservation{ComputerID: computer, Start: testutil.FixedTime})
		assert.EqualError(t, err, "reservation owner is required")
		_, err = store.CreateReservation(ctx, "u", models.Reservation{Start: testutil.FixedTime})
		assert.EqualError(t, err, "reservation computer id is required")
		_, err = store.CreateReservation(ctx, "u", models.Reservation{ComputerID: computer})
		assert.EqualError(t, err, "reservation start is required")
		_, err = store.CreateReservation(ctx, "u", models.Reservation{ComputerID: computer, Start: testutil.FixedTime, End: testutil.TimePtr(testutil.FixedTime)})
		assert.EqualError(t, err, "reservation end must be after start")
	})
}

func TestFindConflicts(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	computer := createTestComputer(t, store, testutil.ComputerOpts{})
	base := testutil.FixedTime

	r1 := createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer, Start: base, End: testutil.TimePtr(base.Add(2 * time.Hour))})
	createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer, Start: base, State: models.ReservationComplete})
	_, err := store.InsertPlaceholder(ctx, Placeholder{ComputerID: computer, State: models.ReservationToMaintenance, Owner: "sys",
		Start: base.Add(3 * time.Hour), End: base.Add(24 * time.Hour)})
	require.NoError(t, err)

	t.Run("overlapping window", func(t *testing.T) {
		got, err := store.FindConflicts(ctx, computer, base.Add(time.Hour), testutil.TimePtr(base.Add(5*time.Hour)))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, r1.ID, got[0].ID)
	})

	t.Run("end is exclusive", func(t *testing.T) {
		got, err := store.FindConflicts(ctx, computer, base.Add(2*time.Hour), testutil.TimePtr(base.Add(5*time.Hour)))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("indefinite window", func(t *testing.T) {
		got, err := store.FindConflicts(ctx, computer, base.Add(-time.Hour), nil)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("indefinite reservation conflicts with later window", func(t *testing.T) {
		other := createTestComputer(t, store, testutil.ComputerOpts{Hostname: "other"})
		createTestReservation(t, store, testutil.ReservationOpts{ComputerID: other, Start: base, Indefinite: true})
		got, err := store.FindConflicts(ctx, other, base.Add(100*24*time.Hour), testutil.TimePtr(base.Add(101*24*time.Hour)))
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestFindOccupying(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	computer := createTestComputer(t, store, testutil.ComputerOpts{})
	base := testutil.FixedTime

	r1 := createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer, Start: base, End: testutil.TimePtr(base.Add(2 * time.Hour))})
	createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer, Start: base.Add(time.Hour),
		End: testutil.TimePtr(base.Add(10 * time.Hour)), State: models.ReservationComplete})
	ph, err := store.InsertPlaceholder(ctx, Placeholder{ComputerID: computer, State: models.ReservationToMaintenance, Owner: "sys",
		Start: base.Add(3 * time.Hour), End: base.Add(24 * time.Hour)})
	require.NoError(t, err)

	got, err := store.FindOccupying(ctx, computer, base.Add(4*time.Hour), testutil.TimePtr(base.Add(5*time.Hour)))
	require.NoError(t, err)
	require.Len(t, got, 1, "a placeholder holds its slot")
	assert.Equal(t, ph, got[0].ID)

	conflicts, err := store.FindConflicts(ctx, computer, base.Add(4*time.Hour), testutil.TimePtr(base.Add(5*time.Hour)))
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	got, err = store.FindOccupying(ctx, computer, base.Add(time.Hour), nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, r1.ID, got[0].ID)
	assert.Equal(t, ph, got[1].ID)

	got, err = store.FindOccupying(ctx, computer, base.Add(2*time.Hour), testutil.TimePtr(base.Add(3*time.Hour)))
	require.NoError(t, err)
	assert.Empty(t, got, "terminal reservations and touching windows do not occupy")
}

func TestLatestEndTime(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	computer := createTestComputer(t, store, testutil.ComputerOpts{})
	base := testutil.FixedTime

	final, err := store.LatestEndTime(ctx, computer, models.BlockingReservationStates, base)
	require.NoError(t, err)
	assert.False(t, final.Found)

	createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer, Start: base, End: testutil.TimePtr(base.Add(time.Hour))})
	createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer, Start: base.Add(2 * time.Hour), End: testutil.TimePtr(base.Add(4 * time.Hour)), State: models.ReservationPending})
	createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer, Start: base, End: testutil.TimePtr(base.Add(48 * time.Hour)), State: models.ReservationFailed})

	final, err = store.LatestEndTime(ctx, computer, models.BlockingReservationStates, base)
	require.NoError(t, err)
	assert.True(t, final.Found)
	assert.False(t, final.Indefinite)
	assert.Equal(t, base.Add(4*time.Hour), final.At)

	final, err = store.LatestEndTime(ctx, computer, models.BlockingReservationStates, base.Add(5*time.Hour))
	require.NoError(t, err)
	assert.False(t, final.Found, "ended reservations no longer block")

	createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer, Start: base.Add(time.Hour), Indefinite: true, State: models.ReservationInUse})
	final, err = store.LatestEndTime(ctx, computer, models.BlockingReservationStates, base)
	require.NoError(t, err)
	assert.True(t, final.Indefinite)

	_, err = store.LatestEndTime(ctx, computer, nil, base)
	assert.Error(t, err)
}

func TestPlaceholders(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	computer := createTestComputer(t, store, testutil.ComputerOpts{})
	base := testutil.FixedTime

	_, found, err := store.FindPlaceholder(ctx, computer, models.ReservationToHPC)
	require.NoError(t, err)
	assert.False(t, found)

	id, err := store.InsertPlaceholder(ctx, Placeholder{ComputerID: computer, State: models.ReservationToHPC, Owner: "sys",
		Start: base.Add(2 * time.Hour), End: base.Add(2*time.Hour + 365*24*time.Hour)})
	require.NoError(t, err)

	got, found, err := store.FindPlaceholder(ctx, computer, models.ReservationToHPC)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, models.NoImageID, got.ImageID)

	t.Run("second placeholder of the same kind is rejected", func(t *testing.T) {
		_, err := store.InsertPlaceholder(ctx, Placeholder{ComputerID: computer, State: models.ReservationToHPC, Owner: "sys",
			Start: base, End: base.Add(time.Hour)})
		assert.Error(t, err)
	})

	t.Run("different kinds coexist", func(t *testing.T) {
		_, err := store.InsertPlaceholder(ctx, Placeholder{ComputerID: computer, State: models.ReservationToMaintenance, Owner: "sys",
			Start: base, End: base.Add(time.Hour)})
		assert.NoError(t, err)
	})

	t.Run("move earlier", func(t *testing.T) {
		require.NoError(t, store.UpdatePlaceholder(ctx, id, Placeholder{Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)}))
		got, err := store.GetReservation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, base.Add(time.Hour), got.Start)
		assert.Equal(t, base.Add(2*time.Hour), *got.End)
		assert.Equal(t, models.NoImageID, got.ImageID)
	})

	t.Run("retarget", func(t *testing.T) {
		require.NoError(t, store.UpdatePlaceholder(ctx, id, Placeholder{ImageID: 303, ManagementNodeID: 2,
			Notes: "admin@local 1700000000@disk", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)}))
		got, err := store.GetReservation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 303, got.ImageID)
		assert.Equal(t, 2, got.ManagementNodeID)
		assert.Equal(t, "admin@local 1700000000@disk", got.Notes)

		err = store.UpdatePlaceholder(ctx, id, Placeholder{Start: base, End: base})
		assert.Error(t, err)
		err = store.UpdatePlaceholder(ctx, 9999, Placeholder{Start: base, End: base.Add(time.Hour)})
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("not a placeholder state", func(t *testing.T) {
		_, err := store.InsertPlaceholder(ctx, Placeholder{ComputerID: computer, State: models.ReservationReserved})
		assert.Error(t, err)
		_, _, err = store.FindPlaceholder(ctx, computer, models.ReservationReserved)
		assert.Error(t, err)
	})
}

func TestDeletePlaceholder(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	computer := createTestComputer(t, store, testutil.ComputerOpts{})
	base := testutil.FixedTime

	booked := createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer, Start: base})
	ok, err := store.DeletePlaceholder(ctx, booked.ID)
	require.NoError(t, err)
	assert.False(t, ok, "ordinary reservations are left alone")

	id, err := store.InsertPlaceholder(ctx, Placeholder{ComputerID: computer, State: models.ReservationToMaintenance, Owner: "sys",
		Notes: "admin@local 1700000000@fan", Start: base, End: base.Add(time.Hour)})
	require.NoError(t, err)
	got, found, err := store.FindPlaceholder(ctx, computer, models.ReservationToMaintenance)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "admin@local 1700000000@fan", got.Notes)

	ok, err = store.DeletePlaceholder(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	_, found, err = store.FindPlaceholder(ctx, computer, models.ReservationToMaintenance)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = store.InsertPlaceholder(ctx, Placeholder{ComputerID: computer, State: models.ReservationToMaintenance, Owner: "sys",
		Start: base, End: base.Add(time.Hour)})
	assert.NoError(t, err, "the slot is free again")
}

func TestDeleteIfFuture(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	computer := createTestComputer(t, store, testutil.ComputerOpts{})
	base := testutil.FixedTime
	r := createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer, Start: base.Add(time.Hour)})

	deleted, err := store.DeleteIfFuture(ctx, r.ID, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, deleted, "started reservations are kept")

	deleted, err = store.DeleteIfFuture(ctx, r.ID, base)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = store.GetReservation(ctx, r.ID)
	assert.Error(t, err, "reservation removed with its request")

	deleted, err = store.DeleteIfFuture(ctx, r.ID, base)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMarkRequestDeleted(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	computer := createTestComputer(t, store, testutil.ComputerOpts{})
	r := createTestReservation(t, store, testutil.ReservationOpts{ComputerID: computer})

	changed, err := store.MarkRequestDeleted(ctx, r.RequestID)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationDeleted, got.State)
	assert.Equal(t, models.ReservationReserved, got.LastState)

	changed, err = store.MarkRequestDeleted(ctx, r.RequestID)
	require.NoError(t, err)
	assert.False(t, changed)

	active, err := store.ListReservationsByComputer(ctx, computer)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMoveReservation(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	a := createTestComputer(t, store, testutil.ComputerOpts{Hostname: "a"})
	b := createTestComputer(t, store, testutil.ComputerOpts{Hostname: "b"})
	r := createTestReservation(t, store, testutil.ReservationOpts{ComputerID: a, Start: testutil.FixedTime.Add(time.Hour)})

	future, err := store.ListFutureReservations(ctx, a, testutil.FixedTime)
	require.NoError(t, err)
	require.Len(t, future, 1)

	moved, err := store.MoveReservation(ctx, r.ID, a, b)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = store.MoveReservation(ctx, r.ID, a, b)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, b, got.ComputerID)
}
