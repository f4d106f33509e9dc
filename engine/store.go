/*
store.go - Transactional persistence contract

PURPOSE:
  The engine never coordinates writers itself. It hands every unit of work
  to a TxStore, which runs it inside one serializable transaction and
  reports write-write and read-write interference as a TransientConflict.

KEY INTERFACES:
  TxStore: WithTx(ctx, fn) - the only way to read or write engine state
  Tx:      transaction-scoped handle; every repository it returns is bound
           to the same transaction, so Appointment, Authorization and
           Session writes commit or abort together

CONTRACT FOR IMPLEMENTATIONS:
  - fn error  -> rollback, return fn's error unchanged
  - fn nil    -> commit; a commit-time serialization failure is returned as
                 a TransientConflict (engine.Conflict)
  - missing rows are reported as KindNotFound
  - no repository method commits on its own

IMPLEMENTATIONS:
  - engine/store/memory.go:    optimistic, in-process (tests, simulation)
  - store/sqlite/sqlite.go:    SQLite, BEGIN IMMEDIATE
  - store/postgres/postgres.go: PostgreSQL, SERIALIZABLE
*/
package engine

import (
	"context"
	"time"
)

// TxStore runs units of work in serializable transactions.
type TxStore interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transaction-scoped context passed to every repository call.
type Tx interface {
	Authorizations() AuthorizationRepository
	Appointments() AppointmentRepository
	Sessions() SessionRepository
	Practitioners() PractitionerRepository
}

// AuthorizationRepository persists Authorizations. UpdateUnits is reserved
// for the Ledger.
type AuthorizationRepository interface {
	Get(ctx context.Context, id AuthorizationID) (*Authorization, error)
	Create(ctx context.Context, a *Authorization) error
	UpdateUnits(ctx context.Context, id AuthorizationID, c Counters) error
	// ListExpiring returns ACTIVE or EXHAUSTED authorizations that are PastEnd(now).
	ListExpiring(ctx context.Context, now time.Time) ([]Authorization, error)
}

type AppointmentRepository interface {
	Get(ctx context.Context, id AppointmentID) (*Appointment, error)
	Create(ctx context.Context, a *Appointment) error
	Update(ctx context.Context, a *Appointment) error
}

// SessionRepository is append-only.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByAppointment(ctx context.Context, id AppointmentID) (*Session, error)
}

type PractitionerRepository interface {
	Get(ctx context.Context, id PractitionerID) (*Practitioner, error)
	Save(ctx context.Context, p *Practitioner) error
}
