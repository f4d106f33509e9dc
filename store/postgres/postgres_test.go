package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/authunits/engine"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want engine.Kind
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, engine.KindTransientConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, engine.KindTransientConflict},
		{"wrapped serialization failure", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), engine.KindTransientConflict},
		{"duplicate session", &pgconn.PgError{Code: "23505", ConstraintName: "sessions_appointment_key"}, engine.KindAlreadyCompleted},
		{"duplicate id", &pgconn.PgError{Code: "23505", ConstraintName: "appointments_pkey"}, engine.KindInvalidTransition},
		{"check violation", &pgconn.PgError{Code: "23514"}, engine.KindInternal},
		{"plain error", errors.New("connection reset"), engine.KindInternal},
		{"engine error passes through", engine.Errorf(engine.KindNotFound, "x"), engine.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.KindOf(classify(tt.err, "op")))
		})
	}

	assert.NoError(t, classify(nil, "op"))
	assert.ErrorIs(t, classify(context.Canceled, "op"), context.Canceled)
	assert.True(t, engine.IsTransient(classify(&pgconn.PgError{Code: "40001"}, "op")))
	assert.Equal(t, engine.KindInternal, engine.KindOf(classify(pgx.ErrTxClosed, "op")))
}

// =============================================================================
// INTEGRATION (requires TEST_DATABASE_URL)
// =============================================================================

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, PoolConfig{DSN: dsn, MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := New(pool)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestStore_ConcurrentReservesAreSerialized(t *testing.T) {
	// GIVEN: 10 units and 20 concurrent callers wanting 1 each
	store := newIntegrationStore(t)
	ctx := context.Background()
	ledger := engine.NewLedger(store, engine.NewRetrier(engine.RetryConfig{
		MaxAttempts: 30, BaseDelay: 5 * time.Millisecond, MaxDelay: 100 * time.Millisecond, JitterFactor: 0.5,
	}))
	admin := engine.Principal{UserID: "admin", OrganizationID: "org-pg", Role: engine.RoleAdmin}

	auth, err := ledger.CreateAuthorization(ctx, admin, engine.NewAuthorization{
		OrganizationID: "org-pg", PatientID: "p", ServiceCode: "97153", TotalUnits: 10,
	})
	require.NoError(t, err)

	// WHEN
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.Reserve(ctx, admin, auth.ID, 1); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: scheduled equals the number of successful calls and never exceeds total
	got, err := ledger.Get(ctx, admin, auth.ID)
	require.NoError(t, err)
	assert.Equal(t, int(ok.Load()), got.ScheduledUnits)
	assert.LessOrEqual(t, got.ScheduledUnits, 10)
	assert.True(t, got.Counters().Valid())
}

func TestStore_MissingRowsAreNotFound(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx engine.Tx) error {
		_, err := tx.Authorizations().Get(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, engine.ErrNotFound)
}
