/*
Package sqlite provides a SQLite-backed engine.TxStore.

PURPOSE:
  Persists authorizations, appointments, sessions and practitioners in a
  single SQLite database. Used for local development, the CLI, and tests
  that want real SQL behaviour without a server.

ISOLATION:
  Every transaction is opened with BEGIN IMMEDIATE (_txlock=immediate), so
  SQLite takes the write lock up front and concurrent writers are fully
  serialized. A writer that cannot get the lock within the busy timeout gets
  SQLITE_BUSY, which is reported as a TransientConflict and retried by the
  engine. There is no application-level mutex.

KEY TABLES:
  authorizations: unit counters, CHECK constraints mirror the counter invariant
  appointments:   lifecycle state and reserved units
  sessions:       append-only, one per appointment (UNIQUE appointment_id)
  practitioners:  directory entries for tenant checks

TIME ENCODING:
  Instants are RFC3339Nano strings in UTC. Authorization start/end dates are
  YYYY-MM-DD so range comparisons work on the text directly.

WAL MODE:
  File databases are opened with WAL so readers do not block the writer.
  ":memory:" databases are private to a connection, so the pool is pinned to
  one connection.

USAGE:
  store, err := sqlite.New("./data/authunits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := engine.NewLedger(store, engine.NewRetrier(engine.DefaultRetryConfig()))

SEE ALSO:
  - engine/store.go:            interface definitions
  - engine/store/memory.go:     in-memory implementation
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/authunits/engine"
)

const dateLayout = "2006-01-02"

// Store implements engine.TxStore using SQLite.
type Store struct {
	db *sql.DB
}

var _ engine.TxStore = (*Store)(nil)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS authorizations (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		service_code TEXT NOT NULL,
		total_units INTEGER NOT NULL CHECK (total_units >= 0),
		used_units INTEGER NOT NULL DEFAULT 0 CHECK (used_units >= 0),
		scheduled_units INTEGER NOT NULL DEFAULT 0 CHECK (scheduled_units >= 0),
		status TEXT NOT NULL,
		start_date TEXT,
		end_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (used_units + scheduled_units <= total_units)
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
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		reserved_units INTEGER NOT NULL CHECK (reserved_units >= 0),
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_appointments_authorization
		ON appointments(authorization_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		appointment_id TEXT NOT NULL UNIQUE REFERENCES appointments(id),
		authorization_id TEXT NOT NULL REFERENCES authorizations(id),
		organization_id TEXT NOT NULL,
		units_used INTEGER NOT NULL CHECK (units_used > 0),
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		notes TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(err, "commit")
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Authorizations() engine.AuthorizationRepository { return authorizationRepo{ts.tx} }

func (ts *txStore) Appointments() engine.AppointmentRepository { return appointmentRepo{ts.tx} }

func (ts *txStore) Sessions() engine.SessionRepository { return sessionRepo{ts.tx} }

func (ts *txStore) Practitioners() engine.PractitionerRepository { return practitionerRepo{ts.tx} }

// =============================================================================
// AUTHORIZATIONS
// =============================================================================

type authorizationRepo struct{ tx *sql.Tx }

const authorizationColumns = `id, organization_id, patient_id, service_code,
	total_units, used_units, scheduled_units, status,
	start_date, end_date, created_at, updated_at`

func (r authorizationRepo) Get(ctx context.Context, id engine.AuthorizationID) (*engine.Authorization, error) {
	row := r.tx.QueryRowContext(ctx,
		"SELECT "+authorizationColumns+" FROM authorizations WHERE id = ?", id)
	a, err := scanAuthorization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.Errorf(engine.KindNotFound, "authorization %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "get authorization")
	}
	return a, nil
}

func (r authorizationRepo) Create(ctx context.Context, a *engine.Authorization) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO authorizations (`+authorizationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrganizationID, a.PatientID, a.ServiceCode,
		a.TotalUnits, a.UsedUnits, a.ScheduledUnits, a.Status,
		formatDate(a.StartDate), formatDate(a.EndDate),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return engine.Errorf(engine.KindInvalidTransition, "authorization %s already exists", a.ID)
	}
	return classify(err, "create authorization")
}

func (r authorizationRepo) UpdateUnits(ctx context.Context, id engine.AuthorizationID, c engine.Counters) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE authorizations
		SET total_units = ?, used_units = ?, scheduled_units = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		c.Total, c.Used, c.Scheduled, c.Status, formatTime(time.Now()), id,
	)
	if err != nil {
		return classify(err, "update authorization units")
	}
	return requireRow(res, engine.KindNotFound, "authorization %s not found", id)
}

func (r authorizationRepo) ListExpiring(ctx context.Context, now time.Time) ([]engine.Authorization, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT `+authorizationColumns+` FROM authorizations
		WHERE status IN ('ACTIVE', 'EXHAUSTED') AND end_date IS NOT NULL AND end_date < ?
		ORDER BY end_date`,
		now.UTC().Format(dateLayout),
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

type appointmentRepo struct{ tx *sql.Tx }

const appointmentColumns = `id, organization_id, patient_id, practitioner_id, service_code,
	authorization_id, status, start_time, end_time, reserved_units, notes,
	created_at, updated_at`

func (r appointmentRepo) Get(ctx context.Context, id engine.AppointmentID) (*engine.Appointment, error) {
	var (
		a                                        engine.Appointment
		notes                                    sql.NullString
		startTime, endTime, createdAt, updatedAt string
	)
	err := r.tx.QueryRowContext(ctx,
		"SELECT "+appointmentColumns+" FROM appointments WHERE id = ?", id,
	).Scan(&a.ID, &a.OrganizationID, &a.PatientID, &a.PractitionerID, &a.ServiceCode,
		&a.AuthorizationID, &a.Status, &startTime, &endTime, &a.ReservedUnits, &notes,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.Errorf(engine.KindNotFound, "appointment %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "get appointment")
	}

	a.Notes = notes.String
	a.StartTime = parseTime(startTime)
	a.EndTime = parseTime(endTime)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func (r appointmentRepo) Create(ctx context.Context, a *engine.Appointment) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrganizationID, a.PatientID, a.PractitionerID, a.ServiceCode,
		a.AuthorizationID, a.Status, formatTime(a.StartTime), formatTime(a.EndTime),
		a.ReservedUnits, nullString(a.Notes), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return engine.Errorf(engine.KindInvalidTransition, "appointment %s already exists", a.ID)
	}
	return classify(err, "create appointment")
}

func (r appointmentRepo) Update(ctx context.Context, a *engine.Appointment) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE appointments
		SET practitioner_id = ?, status = ?, start_time = ?, end_time = ?,
			reserved_units = ?, notes = ?, updated_at = ?
		WHERE id = ?`,
		a.PractitionerID, a.Status, formatTime(a.StartTime), formatTime(a.EndTime),
		a.ReservedUnits, nullString(a.Notes), formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return classify(err, "update appointment")
	}
	return requireRow(res, engine.KindNotFound, "appointment %s not found", a.ID)
}

// =============================================================================
// SESSIONS (append-only)
// =============================================================================

type sessionRepo struct{ tx *sql.Tx }

func (r sessionRepo) Create(ctx context.Context, s *engine.Session) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO sessions (id, appointment_id, authorization_id, organization_id,
			units_used, start_time, end_time, notes, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AppointmentID, s.AuthorizationID, s.OrganizationID,
		s.UnitsUsed, formatTime(s.StartTime), formatTime(s.EndTime),
		nullString(s.Notes), s.CreatedBy, formatTime(s.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return engine.Errorf(engine.KindAlreadyCompleted, "appointment %s already has a session", s.AppointmentID)
	}
	return classify(err, "create session")
}

func (r sessionRepo) GetByAppointment(ctx context.Context, id engine.AppointmentID) (*engine.Session, error) {
	var (
		s                             engine.Session
		notes                         sql.NullString
		startTime, endTime, createdAt string
	)
	err := r.tx.QueryRowContext(ctx, `
		SELECT id, appointment_id, authorization_id, organization_id,
			units_used, start_time, end_time, notes, created_by, created_at
		FROM sessions WHERE appointment_id = ?`, id,
	).Scan(&s.ID, &s.AppointmentID, &s.AuthorizationID, &s.OrganizationID,
		&s.UnitsUsed, &startTime, &endTime, &notes, &s.CreatedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.Errorf(engine.KindNotFound, "no session for appointment %s", id)
	}
	if err != nil {
		return nil, classify(err, "get session")
	}

	s.Notes = notes.String
	s.StartTime = parseTime(startTime)
	s.EndTime = parseTime(endTime)
	s.CreatedAt = parseTime(createdAt)
	return &s, nil
}

// =============================================================================
// PRACTITIONERS
// =============================================================================

type practitionerRepo struct{ tx *sql.Tx }

func (r practitionerRepo) Get(ctx context.Context, id engine.PractitionerID) (*engine.Practitioner, error) {
	var p engine.Practitioner
	err := r.tx.QueryRowContext(ctx,
		"SELECT id, organization_id, name FROM practitioners WHERE id = ?", id,
	).Scan(&p.ID, &p.OrganizationID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.Errorf(engine.KindNotFound, "practitioner %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "get practitioner")
	}
	return &p, nil
}

func (r practitionerRepo) Save(ctx context.Context, p *engine.Practitioner) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO practitioners (id, organization_id, name)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			name = excluded.name`,
		p.ID, p.OrganizationID, p.Name,
	)
	return classify(err, "save practitioner")
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAuthorization(row scanner) (*engine.Authorization, error) {
	var (
		a                    engine.Authorization
		startDate, endDate   sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.OrganizationID, &a.PatientID, &a.ServiceCode,
		&a.TotalUnits, &a.UsedUnits, &a.ScheduledUnits, &a.Status,
		&startDate, &endDate, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.StartDate = parseDate(startDate)
	a.EndDate = parseDate(endDate)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// classify maps driver errors onto engine kinds. SQLITE_BUSY and
// SQLITE_LOCKED mean another writer holds the lock: retryable.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && (sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked) {
		return engine.Conflict(err)
	}
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &engine.Error{Kind: engine.KindInternal, Message: op + " failed", Err: err}
}

func requireRow(res sql.Result, kind engine.Kind, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "rows affected")
	}
	if n == 0 {
		return engine.Errorf(kind, format, args...)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func formatDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(dateLayout), Valid: true}
}

func parseDate(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(dateLayout, s.String)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
