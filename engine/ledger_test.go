package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/authunits/audit"
	"github.com/warp/authunits/engine"
	"github.com/warp/authunits/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	admin = engine.Principal{UserID: "admin-1", OrganizationID: "org-1", Role: engine.RoleAdmin}
	pract = engine.Principal{UserID: "pract-1", OrganizationID: "org-1", Role: engine.RolePractitioner}
	staff = engine.Principal{UserID: "staff-1", OrganizationID: "org-1", Role: engine.RoleStaff}
	other = engine.Principal{UserID: "admin-2", OrganizationID: "org-2", Role: engine.RoleAdmin}
)

type ledgerFixture struct {
	mem    *store.Memory
	ledger *engine.Ledger
	audit  *audit.Recorder
}

func newLedgerFixture(t *testing.T, attempts int) *ledgerFixture {
	t.Helper()
	mem := store.NewMemory()
	rec := &audit.Recorder{}
	retrier := engine.NewRetrier(engine.RetryConfig{MaxAttempts: attempts},
		engine.WithSleep(func(context.Context, time.Duration) error { return nil }))
	return &ledgerFixture{
		mem:    mem,
		ledger: engine.NewLedger(mem, retrier, engine.WithAuditSink(rec)),
		audit:  rec,
	}
}

func (f *ledgerFixture) authorization(t *testing.T, total int) engine.AuthorizationID {
	t.Helper()
	a, err := f.ledger.CreateAuthorization(context.Background(), admin, engine.NewAuthorization{
		OrganizationID: "org-1",
		PatientID:      "patient-1",
		ServiceCode:    "97153",
		TotalUnits:     total,
		StartDate:      time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return a.ID
}

func (f *ledgerFixture) counters(t *testing.T, id engine.AuthorizationID) engine.Counters {
	t.Helper()
	a, ok := f.mem.Authorization(id)
	require.True(t, ok)
	return a.Counters()
}

// =============================================================================
// RESERVE / RELEASE / CONSUME
// =============================================================================

func TestLedger_ReserveReleaseConsume(t *testing.T) {
	// GIVEN: an authorization with 10 units
	f := newLedgerFixture(t, 3)
	ctx := context.Background()
	id := f.authorization(t, 10)

	// WHEN: reserve 4, release 1, consume 3
	c, err := f.ledger.Reserve(ctx, pract, id, 4)
	require.NoError(t, err)
	assert.Equal(t, engine.Counters{Total: 10, Scheduled: 4, Status: engine.AuthorizationActive}, c)

	c, err = f.ledger.Release(ctx, pract, id, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Scheduled)

	c, err = f.ledger.Consume(ctx, pract, id, 3)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, engine.Counters{Total: 10, Used: 3, Scheduled: 0, Status: engine.AuthorizationActive}, c)
	assert.Equal(t, c, f.counters(t, id))

	avail, err := f.ledger.AvailableUnits(ctx, staff, id)
	require.NoError(t, err)
	assert.Equal(t, 7, avail)

	assert.Equal(t, []engine.AuditAction{
		engine.AuditAuthorizationCreated,
		engine.AuditUnitsReserved,
		engine.AuditUnitsReleased,
		engine.AuditUnitsConsumed,
	}, f.audit.Actions())
}

func TestLedger_ConsumeToTotalExhausts(t *testing.T) {
	f := newLedgerFixture(t, 3)
	ctx := context.Background()
	id := f.authorization(t, 4)

	_, err := f.ledger.Reserve(ctx, pract, id, 4)
	require.NoError(t, err)
	c, err := f.ledger.Consume(ctx, pract, id, 4)
	require.NoError(t, err)

	assert.Equal(t, engine.AuthorizationExhausted, c.Status)
	assert.Equal(t, 0, c.Available())

	_, err = f.ledger.Reserve(ctx, pract, id, 1)
	assert.ErrorIs(t, err, engine.ErrInsufficientUnits)
}

func TestLedger_Rejections(t *testing.T) {
	f := newLedgerFixture(t, 3)
	ctx := context.Background()
	id := f.authorization(t, 4)

	_, err := f.ledger.Reserve(ctx, pract, id, 5)
	assert.ErrorIs(t, err, engine.ErrInsufficientUnits)

	_, err = f.ledger.Reserve(ctx, pract, id, 0)
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)

	_, err = f.ledger.Release(ctx, pract, id, 1)
	assert.ErrorIs(t, err, engine.ErrInsufficientScheduled)

	_, err = f.ledger.Consume(ctx, pract, id, 1)
	assert.ErrorIs(t, err, engine.ErrInsufficientScheduled)

	_, err = f.ledger.Reserve(ctx, pract, "missing", 1)
	assert.ErrorIs(t, err, engine.ErrNotFound)

	// Failed operations leave the counters untouched and are not audited.
	assert.Equal(t, engine.Counters{Total: 4, Status: engine.AuthorizationActive}, f.counters(t, id))
	assert.Equal(t, []engine.AuditAction{engine.AuditAuthorizationCreated}, f.audit.Actions())
}

func TestLedger_Guard(t *testing.T) {
	f := newLedgerFixture(t, 3)
	ctx := context.Background()
	id := f.authorization(t, 4)

	_, err := f.ledger.Reserve(ctx, staff, id, 1)
	assert.ErrorIs(t, err, engine.ErrForbidden, "staff may read but not mutate")

	_, err = f.ledger.Reserve(ctx, other, id, 1)
	assert.ErrorIs(t, err, engine.ErrForbidden, "other organization")

	_, err = f.ledger.Get(ctx, other, id)
	assert.ErrorIs(t, err, engine.ErrForbidden)

	_, err = f.ledger.CreateAuthorization(ctx, pract, engine.NewAuthorization{OrganizationID: "org-1", TotalUnits: 1})
	assert.ErrorIs(t, err, engine.ErrForbidden)

	assert.Equal(t, 0, f.counters(t, id).Scheduled)
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

func TestLedger_CreateAuthorization_Validation(t *testing.T) {
	f := newLedgerFixture(t, 3)
	ctx := context.Background()

	_, err := f.ledger.CreateAuthorization(ctx, admin, engine.NewAuthorization{OrganizationID: "org-1", TotalUnits: 0})
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)

	_, err = f.ledger.CreateAuthorization(ctx, admin, engine.NewAuthorization{
		OrganizationID: "org-1",
		TotalUnits:     4,
		StartDate:      time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.ErrorIs(t, err, engine.ErrInvalidInterval)
}

func TestLedger_SetTotalUnits(t *testing.T) {
	f := newLedgerFixture(t, 3)
	ctx := context.Background()
	id := f.authorization(t, 10)

	_, err := f.ledger.Reserve(ctx, pract, id, 4)
	require.NoError(t, err)
	_, err = f.ledger.Consume(ctx, pract, id, 2)
	require.NoError(t, err)

	// Cannot drop below used + scheduled (2 + 2).
	_, err = f.ledger.SetTotalUnits(ctx, admin, id, 3)
	assert.ErrorIs(t, err, engine.ErrInsufficientUnits)

	c, err := f.ledger.SetTotalUnits(ctx, admin, id, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Available())

	_, err = f.ledger.SetTotalUnits(ctx, pract, id, 20)
	assert.ErrorIs(t, err, engine.ErrForbidden)
}

func TestLedger_ExpireAuthorizations(t *testing.T) {
	// GIVEN: an authorization ending Dec 31 with an open reservation
	f := newLedgerFixture(t, 3)
	ctx := context.Background()
	id := f.authorization(t, 10)
	_, err := f.ledger.Reserve(ctx, pract, id, 2)
	require.NoError(t, err)

	// WHEN: expiry runs before and after the end date
	n, err := f.ledger.ExpireAuthorizations(ctx, time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.ledger.ExpireAuthorizations(ctx, time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// THEN: no new reservations, but the open one can still be released
	assert.Equal(t, engine.AuthorizationExpired, f.counters(t, id).Status)
	_, err = f.ledger.Reserve(ctx, pract, id, 1)
	assert.ErrorIs(t, err, engine.ErrInactiveAuthorization)
	_, err = f.ledger.Release(ctx, pract, id, 2)
	assert.NoError(t, err)

	n, err = f.ledger.ExpireAuthorizations(ctx, time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already expired")
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLedger_RetryAfterConflictReservesOnce(t *testing.T) {
	// GIVEN: the store fails the next two commits
	f := newLedgerFixture(t, 5)
	ctx := context.Background()
	id := f.authorization(t, 10)
	f.mem.InjectConflicts(2)

	// WHEN
	c, err := f.ledger.Reserve(ctx, pract, id, 4)

	// THEN: the third attempt commits and the units are held exactly once
	require.NoError(t, err)
	assert.Equal(t, 4, c.Scheduled)
	assert.Equal(t, 4, f.counters(t, id).Scheduled)
	assert.Equal(t, int64(2), f.ledger.Retrier().Stats().Retried)
}

func TestLedger_RetriesExhaustedLeavesCountersUnchanged(t *testing.T) {
	f := newLedgerFixture(t, 3)
	ctx := context.Background()
	id := f.authorization(t, 10)
	f.mem.InjectConflicts(3)

	_, err := f.ledger.Reserve(ctx, pract, id, 4)

	assert.Equal(t, engine.KindRetriesExhausted, engine.KindOf(err))
	assert.ErrorIs(t, err, engine.ErrTransientConflict)
	assert.Equal(t, 0, f.counters(t, id).Scheduled)
	assert.Equal(t, []engine.AuditAction{engine.AuditAuthorizationCreated}, f.audit.Actions())
}

func TestLedger_ConcurrentReservesCannotOverbook(t *testing.T) {
	// GIVEN: 4 units and two callers each wanting 3, forced to read before
	// either commits
	f := newLedgerFixture(t, 5)
	ctx := context.Background()
	id := f.authorization(t, 4)

	var arrivals atomic.Int32
	var barrier sync.WaitGroup
	barrier.Add(2)
	f.mem.BeforeCommit = func() {
		if arrivals.Add(1) <= 2 {
			barrier.Done()
			barrier.Wait()
		}
	}

	// WHEN
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ledger.Reserve(ctx, pract, id, 3)
		}(i)
	}
	wg.Wait()

	// THEN: exactly one wins; the loser retried and saw the new state
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrInsufficientUnits)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 3, f.counters(t, id).Scheduled)
	assert.GreaterOrEqual(t, f.ledger.Retrier().Stats().Retried, int64(1))
}

func TestLedger_ManyConcurrentReservesKeepInvariant(t *testing.T) {
	f := newLedgerFixture(t, 50)
	ctx := context.Background()
	id := f.authorization(t, 20)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.Reserve(ctx, pract, id, 1); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	c := f.counters(t, id)
	assert.True(t, c.Valid())
	assert.Equal(t, int(ok.Load()), c.Scheduled)
	assert.LessOrEqual(t, c.Scheduled, 20)
}
