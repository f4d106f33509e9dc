package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/authunits/engine"
	"github.com/warp/authunits/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var admin = engine.Principal{UserID: "admin-1", OrganizationID: "org-1", Role: engine.RoleAdmin}

func newTestStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestLedger(store engine.TxStore) *engine.Ledger {
	return engine.NewLedger(store, engine.NewRetrier(engine.RetryConfig{MaxAttempts: 10}))
}

func createAuthorization(t *testing.T, l *engine.Ledger, total int) *engine.Authorization {
	t.Helper()
	a, err := l.CreateAuthorization(context.Background(), admin, engine.NewAuthorization{
		OrganizationID: "org-1",
		PatientID:      "patient-1",
		ServiceCode:    "97153",
		TotalUnits:     total,
		StartDate:      time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return a
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestStore_AuthorizationRoundTrip(t *testing.T) {
	store := newTestStore(t, ":memory:")
	ledger := newTestLedger(store)
	ctx := context.Background()

	created := createAuthorization(t, ledger, 10)

	got, err := ledger.Get(ctx, admin, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.OrganizationID, got.OrganizationID)
	assert.Equal(t, created.ServiceCode, got.ServiceCode)
	assert.Equal(t, engine.Counters{Total: 10, Status: engine.AuthorizationActive}, got.Counters())
	assert.True(t, created.StartDate.Equal(got.StartDate))
	assert.True(t, created.EndDate.Equal(got.EndDate))
}

func TestStore_MissingRowsAreNotFound(t *testing.T) {
	store := newTestStore(t, ":memory:")
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx engine.Tx) error {
		_, err := tx.Authorizations().Get(ctx, "nope")
		assert.ErrorIs(t, err, engine.ErrNotFound)
		_, err = tx.Appointments().Get(ctx, "nope")
		assert.ErrorIs(t, err, engine.ErrNotFound)
		_, err = tx.Sessions().GetByAppointment(ctx, "nope")
		assert.ErrorIs(t, err, engine.ErrNotFound)
		_, err = tx.Practitioners().Get(ctx, "nope")
		assert.ErrorIs(t, err, engine.ErrNotFound)
		err = tx.Authorizations().UpdateUnits(ctx, "nope", engine.Counters{Total: 1})
		assert.ErrorIs(t, err, engine.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_SessionPerAppointmentIsUnique(t *testing.T) {
	// GIVEN: an appointment that already has a session
	store := newTestStore(t, ":memory:")
	ledger := newTestLedger(store)
	ctx := context.Background()
	auth := createAuthorization(t, ledger, 10)
	start := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

	appt := &engine.Appointment{
		ID:              "appt-1",
		OrganizationID:  "org-1",
		PatientID:       "patient-1",
		PractitionerID:  "pract-1",
		ServiceCode:     "97153",
		AuthorizationID: auth.ID,
		Status:          engine.AppointmentCompleted,
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		ReservedUnits:   4,
		CreatedAt:       start,
		UpdatedAt:       start,
	}
	session := func(id engine.SessionID) *engine.Session {
		return &engine.Session{
			ID: id, AppointmentID: appt.ID, AuthorizationID: auth.ID, OrganizationID: "org-1",
			UnitsUsed: 4, StartTime: start, EndTime: start.Add(time.Hour), CreatedBy: "pract-1", CreatedAt: start,
		}
	}
	require.NoError(t, store.WithTx(ctx, func(tx engine.Tx) error {
		if err := tx.Appointments().Create(ctx, appt); err != nil {
			return err
		}
		return tx.Sessions().Create(ctx, session("s-1"))
	}))

	// WHEN: a second session is written for it
	err := store.WithTx(ctx, func(tx engine.Tx) error {
		return tx.Sessions().Create(ctx, session("s-2"))
	})

	// THEN
	assert.ErrorIs(t, err, engine.ErrAlreadyCompleted)
	require.NoError(t, store.WithTx(ctx, func(tx engine.Tx) error {
		s, err := tx.Sessions().GetByAppointment(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, engine.SessionID("s-1"), s.ID)
		assert.True(t, start.Equal(s.StartTime))
		return nil
	}))
}

func TestStore_RollbackOnError(t *testing.T) {
	store := newTestStore(t, ":memory:")
	ledger := newTestLedger(store)
	ctx := context.Background()
	auth := createAuthorization(t, ledger, 10)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx engine.Tx) error {
		if _, err := ledger.In(tx).Reserve(ctx, auth.ID, 4); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	avail, err := ledger.AvailableUnits(ctx, admin, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, avail)
}

func TestStore_CheckConstraintBacksUpInvariant(t *testing.T) {
	store := newTestStore(t, ":memory:")
	ledger := newTestLedger(store)
	ctx := context.Background()
	auth := createAuthorization(t, ledger, 4)

	err := store.WithTx(ctx, func(tx engine.Tx) error {
		return tx.Authorizations().UpdateUnits(ctx, auth.ID, engine.Counters{Total: 4, Used: 3, Scheduled: 3})
	})

	assert.Error(t, err)
	assert.Equal(t, engine.KindInternal, engine.KindOf(err))
}

func TestStore_ListExpiring(t *testing.T) {
	store := newTestStore(t, ":memory:")
	ledger := newTestLedger(store)
	ctx := context.Background()
	auth := createAuthorization(t, ledger, 4)

	n, err := ledger.ExpireAuthorizations(ctx, time.Date(2025, time.December, 31, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "end date is inclusive")

	n, err = ledger.ExpireAuthorizations(ctx, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := ledger.Get(ctx, admin, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AuthorizationExpired, got.Status)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestStore_ConcurrentReservesOnFileDatabase(t *testing.T) {
	// GIVEN: a file database shared by many writers and 10 units
	store := newTestStore(t, filepath.Join(t.TempDir(), "authunits.db"))
	ledger := newTestLedger(store)
	ctx := context.Background()
	auth := createAuthorization(t, ledger, 10)
	pract := engine.Principal{UserID: "pract-1", OrganizationID: "org-1", Role: engine.RolePractitioner}

	// WHEN: 20 callers each reserve 1 unit
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Reserve(ctx, pract, auth.ID, 1); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: exactly 10 succeed and the counter agrees
	assert.Equal(t, int32(10), ok.Load())
	got, err := ledger.Get(ctx, admin, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.ScheduledUnits)
}
