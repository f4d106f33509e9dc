/*
ledger.go - Authorization unit ledger

PURPOSE:
  The Ledger is the only component that writes an Authorization's
  total/used/scheduled counters. Every mutation re-reads the row inside the
  current transaction, checks the invariant, and writes the new counters in
  the same transaction.

TWO ENTRY POINTS:
  1. Ledger.Reserve / Release / Consume / AvailableUnits
     Standalone: opens its own serializable transaction through the Retrier,
     checks the principal, and emits an audit record after commit.

  2. Ledger.In(tx).Reserve / Release / Consume / Available
     Transaction-scoped: used by the appointment coordinator so the unit
     change and the appointment's own state change commit together. No retry,
     no audit; the caller owns both.

OPERATIONS:
  Reserve(n):  n > 0, status not EXPIRED/CANCELLED, n <= available
               scheduled += n
  Release(n):  n > 0, n <= scheduled
               scheduled -= n
  Consume(n):  n > 0, n <= scheduled
               scheduled -= n, used += n, EXHAUSTED when used == total

  Amounts arrive already quantized (see units.go); the Ledger never rounds.
  Zero amounts are rejected so every write is intentional.

EXAMPLE:
  ledger := engine.NewLedger(store, engine.NewRetrier(engine.DefaultRetryConfig()))
  counters, err := ledger.Reserve(ctx, principal, authID, 4)
  if engine.KindOf(err) == engine.KindInsufficientUnits {
      // not enough units left
  }
*/
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store TxStore
	retry *Retrier
	audit AuditSink
	guard Guard
	log   zerolog.Logger
	now   func() time.Time
}

type LedgerOption func(*Ledger)

func WithAuditSink(s AuditSink) LedgerOption {
	return func(l *Ledger) { l.audit = s }
}

func WithLogger(log zerolog.Logger) LedgerOption {
	return func(l *Ledger) { l.log = log }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store TxStore, retry *Retrier, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store: store,
		retry: retry,
		audit: NopAuditSink{},
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Store() TxStore { return l.store }

func (l *Ledger) Retrier() *Retrier { return l.retry }

func (l *Ledger) AuditSink() AuditSink { return l.audit }

func (l *Ledger) Now() time.Time { return l.now().UTC() }

// In binds the ledger to an open transaction.
func (l *Ledger) In(tx Tx) *TxLedger {
	return &TxLedger{repo: tx.Authorizations()}
}

// =============================================================================
// STANDALONE OPERATIONS
// =============================================================================

// AvailableUnits returns total - used - scheduled.
func (l *Ledger) AvailableUnits(ctx context.Context, p Principal, id AuthorizationID) (int, error) {
	if err := l.guard.CheckRole(p, ActionRead); err != nil {
		return 0, err
	}
	return Run(ctx, l.retry, func(ctx context.Context) (int, error) {
		var n int
		err := l.store.WithTx(ctx, func(tx Tx) error {
			a, err := tx.Authorizations().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := l.guard.CheckTenant(p, a.OrganizationID); err != nil {
				return err
			}
			n, err = l.In(tx).Available(ctx, id)
			return err
		})
		return n, err
	})
}

// Get returns the authorization.
func (l *Ledger) Get(ctx context.Context, p Principal, id AuthorizationID) (*Authorization, error) {
	if err := l.guard.CheckRole(p, ActionRead); err != nil {
		return nil, err
	}
	return Run(ctx, l.retry, func(ctx context.Context) (*Authorization, error) {
		var out *Authorization
		err := l.store.WithTx(ctx, func(tx Tx) error {
			a, err := tx.Authorizations().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := l.guard.CheckTenant(p, a.OrganizationID); err != nil {
				return err
			}
			out = a
			return nil
		})
		return out, err
	})
}

func (l *Ledger) Reserve(ctx context.Context, p Principal, id AuthorizationID, amount int) (Counters, error) {
	return l.mutate(ctx, p, id, AuditUnitsReserved, amount, func(ctx context.Context, t *TxLedger) (Counters, error) {
		return t.Reserve(ctx, id, amount)
	})
}

func (l *Ledger) Release(ctx context.Context, p Principal, id AuthorizationID, amount int) (Counters, error) {
	return l.mutate(ctx, p, id, AuditUnitsReleased, amount, func(ctx context.Context, t *TxLedger) (Counters, error) {
		return t.Release(ctx, id, amount)
	})
}

func (l *Ledger) Consume(ctx context.Context, p Principal, id AuthorizationID, amount int) (Counters, error) {
	return l.mutate(ctx, p, id, AuditUnitsConsumed, amount, func(ctx context.Context, t *TxLedger) (Counters, error) {
		return t.Consume(ctx, id, amount)
	})
}

func (l *Ledger) mutate(
	ctx context.Context,
	p Principal,
	id AuthorizationID,
	action AuditAction,
	amount int,
	fn func(ctx context.Context, t *TxLedger) (Counters, error),
) (Counters, error) {
	if err := l.guard.CheckRole(p, ActionMutate); err != nil {
		return Counters{}, err
	}

	var org OrganizationID
	c, err := Run(ctx, l.retry, func(ctx context.Context) (Counters, error) {
		var out Counters
		err := l.store.WithTx(ctx, func(tx Tx) error {
			a, err := tx.Authorizations().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := l.guard.CheckTenant(p, a.OrganizationID); err != nil {
				return err
			}
			org = a.OrganizationID
			out, err = fn(ctx, l.In(tx))
			return err
		})
		return out, err
	})
	if err != nil {
		return Counters{}, err
	}

	l.log.Info().
		Str("authorization_id", string(id)).
		Str("action", string(action)).
		Int("amount", amount).
		Int("used", c.Used).
		Int("scheduled", c.Scheduled).
		Msg("ledger mutation committed")
	l.audit.Record(ctx, NewAuditRecord(p, org, action, string(id), map[string]any{
		"amount":    amount,
		"used":      c.Used,
		"scheduled": c.Scheduled,
		"status":    c.Status,
	}))
	return c, nil
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

// CreateAuthorization records a new payer allotment with zero used and
// scheduled units.
func (l *Ledger) CreateAuthorization(ctx context.Context, p Principal, in NewAuthorization) (*Authorization, error) {
	if err := l.guard.Check(p, in.OrganizationID, ActionAdminister); err != nil {
		return nil, err
	}
	if in.TotalUnits <= 0 {
		return nil, Errorf(KindInvalidAmount, "total units must be positive, got %d", in.TotalUnits)
	}
	if !in.StartDate.IsZero() && !in.EndDate.IsZero() && in.EndDate.Before(in.StartDate) {
		return nil, Errorf(KindInvalidInterval, "authorization end date is before start date")
	}

	now := l.Now()
	a := &Authorization{
		ID:             NewAuthorizationID(),
		OrganizationID: in.OrganizationID,
		PatientID:      in.PatientID,
		ServiceCode:    in.ServiceCode,
		TotalUnits:     in.TotalUnits,
		Status:         AuthorizationActive,
		StartDate:      in.StartDate,
		EndDate:        in.EndDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := l.retry.Do(ctx, func(ctx context.Context) error {
		return l.store.WithTx(ctx, func(tx Tx) error {
			return tx.Authorizations().Create(ctx, a)
		})
	})
	if err != nil {
		return nil, err
	}

	l.audit.Record(ctx, NewAuditRecord(p, a.OrganizationID, AuditAuthorizationCreated, string(a.ID), map[string]any{
		"total_units":  a.TotalUnits,
		"patient_id":   a.PatientID,
		"service_code": a.ServiceCode,
	}))
	return a, nil
}

// SetTotalUnits changes the allotment. It cannot drop below what is already
// used plus scheduled.
func (l *Ledger) SetTotalUnits(ctx context.Context, p Principal, id AuthorizationID, total int) (Counters, error) {
	if err := l.guard.CheckRole(p, ActionAdminister); err != nil {
		return Counters{}, err
	}
	if total <= 0 {
		return Counters{}, Errorf(KindInvalidAmount, "total units must be positive, got %d", total)
	}

	var org OrganizationID
	c, err := Run(ctx, l.retry, func(ctx context.Context) (Counters, error) {
		var out Counters
		err := l.store.WithTx(ctx, func(tx Tx) error {
			a, err := tx.Authorizations().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := l.guard.CheckTenant(p, a.OrganizationID); err != nil {
				return err
			}
			org = a.OrganizationID
			out, err = l.In(tx).setTotal(ctx, a, total)
			return err
		})
		return out, err
	})
	if err != nil {
		return Counters{}, err
	}

	l.audit.Record(ctx, NewAuditRecord(p, org, AuditAuthorizationTotal, string(id), map[string]any{
		"total_units": total,
	}))
	return c, nil
}

// ExpireAuthorizations marks every ACTIVE or EXHAUSTED authorization whose
// end date has fully passed as EXPIRED. Each one is expired in its own transaction.
// Counters are left untouched: open reservations can still be released or
// consumed, but nothing new can be reserved.
func (l *Ledger) ExpireAuthorizations(ctx context.Context, now time.Time) (int, error) {
	candidates, err := Run(ctx, l.retry, func(ctx context.Context) ([]Authorization, error) {
		var out []Authorization
		err := l.store.WithTx(ctx, func(tx Tx) error {
			var err error
			out, err = tx.Authorizations().ListExpiring(ctx, now)
			return err
		})
		return out, err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, cand := range candidates {
		id := cand.ID
		done := false
		err := l.retry.Do(ctx, func(ctx context.Context) error {
			done = false
			return l.store.WithTx(ctx, func(tx Tx) error {
				a, err := tx.Authorizations().Get(ctx, id)
				if err != nil {
					return err
				}
				if a.Status != AuthorizationActive && a.Status != AuthorizationExhausted {
					return nil
				}
				if !a.PastEnd(now) {
					return nil
				}
				c := a.Counters()
				c.Status = AuthorizationExpired
				if err := tx.Authorizations().UpdateUnits(ctx, id, c); err != nil {
					return err
				}
				done = true
				return nil
			})
		})
		if err != nil {
			l.log.Error().Err(err).Str("authorization_id", string(id)).Msg("failed to expire authorization")
			continue
		}
		if done {
			expired++
			l.audit.Record(ctx, NewAuditRecord(System, cand.OrganizationID, AuditAuthorizationExpired, string(id), nil))
		}
	}
	return expired, nil
}

// =============================================================================
// TRANSACTION-SCOPED LEDGER
// =============================================================================

// TxLedger applies unit mutations inside a caller-owned transaction.
type TxLedger struct {
	repo AuthorizationRepository
}

func (t *TxLedger) load(ctx context.Context, id AuthorizationID) (*Authorization, error) {
	a, err := t.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (t *TxLedger) Available(ctx context.Context, id AuthorizationID) (int, error) {
	a, err := t.load(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.Counters().Available(), nil
}

func (t *TxLedger) Reserve(ctx context.Context, id AuthorizationID, amount int) (Counters, error) {
	if amount <= 0 {
		return Counters{}, Errorf(KindInvalidAmount, "reserve amount must be positive, got %d", amount)
	}
	a, err := t.load(ctx, id)
	if err != nil {
		return Counters{}, err
	}
	if a.Status == AuthorizationExpired || a.Status == AuthorizationCancelled {
		return Counters{}, Errorf(KindInactiveAuthorization, "authorization %s is %s", id, a.Status)
	}
	c := a.Counters()
	if amount > c.Available() {
		return Counters{}, Errorf(KindInsufficientUnits,
			"authorization %s has %d units available, %d requested", id, c.Available(), amount)
	}
	c.Scheduled += amount
	return t.write(ctx, id, c)
}

func (t *TxLedger) Release(ctx context.Context, id AuthorizationID, amount int) (Counters, error) {
	if amount <= 0 {
		return Counters{}, Errorf(KindInvalidAmount, "release amount must be positive, got %d", amount)
	}
	a, err := t.load(ctx, id)
	if err != nil {
		return Counters{}, err
	}
	c := a.Counters()
	if amount > c.Scheduled {
		return Counters{}, Errorf(KindInsufficientScheduled,
			"authorization %s has %d units scheduled, cannot release %d", id, c.Scheduled, amount)
	}
	c.Scheduled -= amount
	return t.write(ctx, id, c)
}

func (t *TxLedger) Consume(ctx context.Context, id AuthorizationID, amount int) (Counters, error) {
	if amount <= 0 {
		return Counters{}, Errorf(KindInvalidAmount, "consume amount must be positive, got %d", amount)
	}
	a, err := t.load(ctx, id)
	if err != nil {
		return Counters{}, err
	}
	c := a.Counters()
	if amount > c.Scheduled {
		return Counters{}, Errorf(KindInsufficientScheduled,
			"authorization %s has %d units scheduled, cannot consume %d", id, c.Scheduled, amount)
	}
	c.Scheduled -= amount
	c.Used += amount
	if c.Used == c.Total {
		c.Status = AuthorizationExhausted
	}
	return t.write(ctx, id, c)
}

func (t *TxLedger) setTotal(ctx context.Context, a *Authorization, total int) (Counters, error) {
	c := a.Counters()
	if total < c.Used+c.Scheduled {
		return Counters{}, Errorf(KindInsufficientUnits,
			"authorization %s already has %d units used or scheduled", a.ID, c.Used+c.Scheduled)
	}
	c.Total = total
	switch {
	case c.Used == c.Total && c.Status == AuthorizationActive:
		c.Status = AuthorizationExhausted
	case c.Used < c.Total && c.Status == AuthorizationExhausted:
		c.Status = AuthorizationActive
	}
	return t.write(ctx, a.ID, c)
}

func (t *TxLedger) write(ctx context.Context, id AuthorizationID, c Counters) (Counters, error) {
	if !c.Valid() {
		return Counters{}, Errorf(KindInsufficientUnits,
			"authorization %s would violate unit invariant (total %d, used %d, scheduled %d)",
			id, c.Total, c.Used, c.Scheduled)
	}
	if err := t.repo.UpdateUnits(ctx, id, c); err != nil {
		return Counters{}, err
	}
	return c, nil
}
