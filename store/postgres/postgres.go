/*
Package postgres provides a PostgreSQL-backed engine.TxStore.

PURPOSE:
  Production persistence. Every unit of work runs in a SERIALIZABLE
  transaction; PostgreSQL detects read-modify-write interference between
  concurrent transactions and aborts one of them with SQLSTATE 40001
  (serialization_failure) or 40P01 (deadlock_detected). Both are reported as
  TransientConflict so the engine retries the whole unit of work.

CONNECTION:
  pool, err := postgres.Connect(ctx, postgres.PoolConfig{DSN: url})
  store := postgres.New(pool)
  err = store.Migrate(ctx)

ERROR MAPPING:
  40001, 40P01            -> TransientConflict
  23505 on sessions key   -> AlreadyCompleted
  23505 on primary keys   -> InvalidTransition (duplicate id)
  pgx.ErrNoRows           -> NotFound
  anything else           -> Internal, driver error kept as cause

SEE ALSO:
  - store/sqlite/sqlite.go: same schema for SQLite
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/authunits/engine"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// PoolConfig tunes the connection pool. Zero values use the defaults below.
type PoolConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(pc.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// Store implements engine.TxStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ engine.TxStore = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS authorizations (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	patient_id TEXT NOT NULL,
	service_code TEXT NOT NULL,
	total_units INTEGER NOT NULL CHECK (total_units >= 0),
	used_units INTEGER NOT NULL DEFAULT 0 CHECK (used_units >= 0),
	scheduled_units INTEGER NOT NULL DEFAULT 0 CHECK (scheduled_units >= 0),
	status TEXT NOT NULL,
	start_date DATE,
	end_date DATE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT authorizations_units_within_total CHECK (used_units + scheduled_units <= total_units)
);

CREATE INDEX IF NOT EXISTS idx_authorizations_patient
	ON authorizations(organization_id, patient_id, service_code);
CREATE INDEX IF NOT EXISTS idx_authorizations_expiry
	ON authorizations(end_date) WHERE status IN ('ACTIVE', 'EXHAUSTED');

CREATE TABLE IF NOT EXISTS practitioners (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS appointments (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	patient_id TEXT NOT NULL,
	practitioner_id TEXT NOT NULL,
	service_code TEXT NOT NULL,
	authorization_id TEXT NOT NULL REFERENCES authorizations(id),
	status TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	reserved_units INTEGER NOT NULL CHECK (reserved_units >= 0),
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_appointments_authorization
	ON appointments(authorization_id);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	appointment_id TEXT NOT NULL REFERENCES appointments(id),
	authorization_id TEXT NOT NULL REFERENCES authorizations(id),
	organization_id TEXT NOT NULL,
	units_used INTEGER NOT NULL CHECK (units_used > 0),
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT sessions_appointment_key UNIQUE (appointment_id)
);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

var txOptions = pgx.TxOptions{IsoLevel: pgx.Serializable}

func (s *Store) WithTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return classify(err, "begin transaction")
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(pgTx{tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit")
	}
	return nil
}

type pgTx struct{ tx pgx.Tx }

func (t pgTx) Authorizations() engine.AuthorizationRepository { return authorizationRepo(t) }

func (t pgTx) Appointments() engine.AppointmentRepository { return appointmentRepo(t) }

func (t pgTx) Sessions() engine.SessionRepository { return sessionRepo(t) }

func (t pgTx) Practitioners() engine.PractitionerRepository { return practitionerRepo(t) }

// =============================================================================
// AUTHORIZATIONS
// =============================================================================

type authorizationRepo struct{ tx pgx.Tx }

const authorizationColumns = `id, organization_id, patient_id, service_code,
	total_units, used_units, scheduled_units, status,
	start_date, end_date, created_at, updated_at`

func scanAuthorization(row pgx.Row) (*engine.Authorization, error) {
	var (
		a                  engine.Authorization
		startDate, endDate *time.Time
	)
	err := row.Scan(&a.ID, &a.OrganizationID, &a.PatientID, &a.ServiceCode,
		&a.TotalUnits, &a.UsedUnits, &a.ScheduledUnits, &a.Status,
		&startDate, &endDate, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if startDate != nil {
		a.StartDate = startDate.UTC()
	}
	if endDate != nil {
		a.EndDate = endDate.UTC()
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (r authorizationRepo) Get(ctx context.Context, id engine.AuthorizationID) (*engine.Authorization, error) {
	a, err := scanAuthorization(r.tx.QueryRow(ctx,
		`SELECT `+authorizationColumns+` FROM authorizations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.Errorf(engine.KindNotFound, "authorization %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "get authorization")
	}
	return a, nil
}

func (r authorizationRepo) Create(ctx context.Context, a *engine.Authorization) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO authorizations (`+authorizationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.OrganizationID, a.PatientID, a.ServiceCode,
		a.TotalUnits, a.UsedUnits, a.ScheduledUnits, a.Status,
		nullableTime(a.StartDate), nullableTime(a.EndDate), a.CreatedAt, a.UpdatedAt,
	)
	return classify(err, "create authorization")
}

func (r authorizationRepo) UpdateUnits(ctx context.Context, id engine.AuthorizationID, c engine.Counters) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE authorizations
		SET total_units = $2, used_units = $3, scheduled_units = $4, status = $5, updated_at = now()
		WHERE id = $1`,
		id, c.Total, c.Used, c.Scheduled, c.Status,
	)
	if err != nil {
		return classify(err, "update authorization units")
	}
	if tag.RowsAffected() == 0 {
		return engine.Errorf(engine.KindNotFound, "authorization %s not found", id)
	}
	return nil
}

func (r authorizationRepo) ListExpiring(ctx context.Context, now time.Time) ([]engine.Authorization, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+authorizationColumns+` FROM authorizations
		WHERE status IN ('ACTIVE', 'EXHAUSTED') AND end_date IS NOT NULL AND end_date < $1::date
		ORDER BY end_date`,
		now.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return nil, classify(err, "list expiring authorizations")
	}
	defer rows.Close()

	var out []engine.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, classify(err, "scan authorization")
		}
		out = append(out, *a)
	}
	return out, classify(rows.Err(), "list expiring authorizations")
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type appointmentRepo struct{ tx pgx.Tx }

func (r appointmentRepo) Get(ctx context.Context, id engine.AppointmentID) (*engine.Appointment, error) {
	var a engine.Appointment
	err := r.tx.QueryRow(ctx, `
		SELECT id, organization_id, patient_id, practitioner_id, service_code,
			authorization_id, status, start_time, end_time, reserved_units, notes,
			created_at, updated_at
		FROM appointments WHERE id = $1`, id,
	).Scan(&a.ID, &a.OrganizationID, &a.PatientID, &a.PractitionerID, &a.ServiceCode,
		&a.AuthorizationID, &a.Status, &a.StartTime, &a.EndTime, &a.ReservedUnits, &a.Notes,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.Errorf(engine.KindNotFound, "appointment %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "get appointment")
	}
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (r appointmentRepo) Create(ctx context.Context, a *engine.Appointment) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO appointments (id, organization_id, patient_id, practitioner_id, service_code,
			authorization_id, status, start_time, end_time, reserved_units, notes,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.OrganizationID, a.PatientID, a.PractitionerID, a.ServiceCode,
		a.AuthorizationID, a.Status, a.StartTime, a.EndTime, a.ReservedUnits, a.Notes,
		a.CreatedAt, a.UpdatedAt,
	)
	return classify(err, "create appointment")
}

func (r appointmentRepo) Update(ctx context.Context, a *engine.Appointment) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE appointments
		SET practitioner_id = $2, status = $3, start_time = $4, end_time = $5,
			reserved_units = $6, notes = $7, updated_at = $8
		WHERE id = $1`,
		a.ID, a.PractitionerID, a.Status, a.StartTime, a.EndTime,
		a.ReservedUnits, a.Notes, a.UpdatedAt,
	)
	if err != nil {
		return classify(err, "update appointment")
	}
	if tag.RowsAffected() == 0 {
		return engine.Errorf(engine.KindNotFound, "appointment %s not found", a.ID)
	}
	return nil
}

// =============================================================================
// SESSIONS
// =============================================================================

type sessionRepo struct{ tx pgx.Tx }

func (r sessionRepo) Create(ctx context.Context, s *engine.Session) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO sessions (id, appointment_id, authorization_id, organization_id,
			units_used, start_time, end_time, notes, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.AppointmentID, s.AuthorizationID, s.OrganizationID,
		s.UnitsUsed, s.StartTime, s.EndTime, s.Notes, s.CreatedBy, s.CreatedAt,
	)
	return classify(err, "create session")
}

func (r sessionRepo) GetByAppointment(ctx context.Context, id engine.AppointmentID) (*engine.Session, error) {
	var s engine.Session
	err := r.tx.QueryRow(ctx, `
		SELECT id, appointment_id, authorization_id, organization_id,
			units_used, start_time, end_time, notes, created_by, created_at
		FROM sessions WHERE appointment_id = $1`, id,
	).Scan(&s.ID, &s.AppointmentID, &s.AuthorizationID, &s.OrganizationID,
		&s.UnitsUsed, &s.StartTime, &s.EndTime, &s.Notes, &s.CreatedBy, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.Errorf(engine.KindNotFound, "no session for appointment %s", id)
	}
	if err != nil {
		return nil, classify(err, "get session")
	}
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

// =============================================================================
// PRACTITIONERS
// =============================================================================

type practitionerRepo struct{ tx pgx.Tx }

func (r practitionerRepo) Get(ctx context.Context, id engine.PractitionerID) (*engine.Practitioner, error) {
	var p engine.Practitioner
	err := r.tx.QueryRow(ctx,
		`SELECT id, organization_id, name FROM practitioners WHERE id = $1`, id,
	).Scan(&p.ID, &p.OrganizationID, &p.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.Errorf(engine.KindNotFound, "practitioner %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "get practitioner")
	}
	return &p, nil
}

func (r practitionerRepo) Save(ctx context.Context, p *engine.Practitioner) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO practitioners (id, organization_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET organization_id = EXCLUDED.organization_id, name = EXCLUDED.name`,
		p.ID, p.OrganizationID, p.Name,
	)
	return classify(err, "save practitioner")
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return engine.Conflict(err)
		case codeUniqueViolation:
			if pgErr.ConstraintName == "sessions_appointment_key" {
				return &engine.Error{Kind: engine.KindAlreadyCompleted, Message: "appointment already has a session", Err: err}
			}
			return &engine.Error{Kind: engine.KindInvalidTransition, Message: "record already exists", Err: err}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &engine.Error{Kind: engine.KindInternal, Message: op + " failed", Err: err}
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
