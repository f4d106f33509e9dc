// Package store provides an in-memory engine.TxStore.
//
// Transactions are optimistic: reads record the version of every row they
// see, writes are buffered, and commit validates that none of the rows read
// or written changed in the meantime. A failed validation is reported as a
// TransientConflict, which is how a serializable database behaves when two
// read-modify-write transactions overlap. Range reads (ListExpiring) do not
// track phantoms.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/authunits/engine"
)

// =============================================================================
// VERSIONED TABLES
// =============================================================================

type row[V any] struct {
	val     V
	version int64
}

type table[K comparable, V any] struct {
	rows map[K]row[V]
}

func newTable[K comparable, V any]() table[K, V] {
	return table[K, V]{rows: make(map[K]row[V])}
}

// txTable is one transaction's view of a table.
type txTable[K comparable, V any] struct {
	parent *table[K, V]
	seen   map[K]int64 // version observed, 0 = absent
	writes map[K]V
}

func newTxTable[K comparable, V any](parent *table[K, V]) *txTable[K, V] {
	return &txTable[K, V]{
		parent: parent,
		seen:   make(map[K]int64),
		writes: make(map[K]V),
	}
}

// get must be called with the store lock held.
func (t *txTable[K, V]) get(k K) (V, bool) {
	if v, ok := t.writes[k]; ok {
		return v, true
	}
	r, ok := t.parent.rows[k]
	if _, tracked := t.seen[k]; !tracked {
		t.seen[k] = r.version
	}
	return r.val, ok
}

func (t *txTable[K, V]) put(k K, v V) {
	if _, tracked := t.seen[k]; !tracked {
		t.seen[k] = t.parent.rows[k].version
	}
	t.writes[k] = v
}

func (t *txTable[K, V]) valid() bool {
	for k, v := range t.seen {
		if t.parent.rows[k].version != v {
			return false
		}
	}
	return true
}

func (t *txTable[K, V]) apply(version int64) {
	for k, v := range t.writes {
		t.parent.rows[k] = row[V]{val: v, version: version}
	}
}

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.Mutex

	authorizations table[engine.AuthorizationID, engine.Authorization]
	appointments   table[engine.AppointmentID, engine.Appointment]
	sessions       table[engine.AppointmentID, engine.Session] // keyed by appointment
	practitioners  table[engine.PractitionerID, engine.Practitioner]

	version   int64
	conflicts int

	// BeforeCommit, when set, runs after fn returns and before validation.
	// Tests use it to force two transactions to overlap.
	BeforeCommit func()
}

func NewMemory() *Memory {
	return &Memory{
		authorizations: newTable[engine.AuthorizationID, engine.Authorization](),
		appointments:   newTable[engine.AppointmentID, engine.Appointment](),
		sessions:       newTable[engine.AppointmentID, engine.Session](),
		practitioners:  newTable[engine.PractitionerID, engine.Practitioner](),
	}
}

var _ engine.TxStore = (*Memory)(nil)

// InjectConflicts makes the next n commits fail with a TransientConflict
// after fn has run, discarding its writes.
func (m *Memory) InjectConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts += n
}

// WithTx runs fn against a private view and commits it atomically.
func (m *Memory) WithTx(ctx context.Context, fn func(tx engine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		m:              m,
		authorizations: newTxTable(&m.authorizations),
		appointments:   newTxTable(&m.appointments),
		sessions:       newTxTable(&m.sessions),
		practitioners:  newTxTable(&m.practitioners),
	}
	if err := fn(tx); err != nil {
		return err
	}

	if m.BeforeCommit != nil {
		m.BeforeCommit()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conflicts > 0 {
		m.conflicts--
		return engine.Conflict(errInjected)
	}
	if !tx.authorizations.valid() || !tx.appointments.valid() ||
		!tx.sessions.valid() || !tx.practitioners.valid() {
		return engine.Conflict(errStale)
	}

	m.version++
	tx.authorizations.apply(m.version)
	tx.appointments.apply(m.version)
	tx.sessions.apply(m.version)
	tx.practitioners.apply(m.version)
	return nil
}

// Authorization returns the committed row, bypassing transactions (tests, simulation).
func (m *Memory) Authorization(id engine.AuthorizationID) (engine.Authorization, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.authorizations.rows[id]
	return r.val, ok
}

// Appointment returns the committed row.
func (m *Memory) Appointment(id engine.AppointmentID) (engine.Appointment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.appointments.rows[id]
	return r.val, ok
}

// AppointmentCount returns the number of committed appointments.
func (m *Memory) AppointmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appointments.rows)
}

// SessionCount returns the number of committed sessions.
func (m *Memory) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions.rows)
}

// Tally recomputes an authorization's counters from committed rows: units
// reserved by open appointments, and units recorded on sessions.
func (m *Memory) Tally(id engine.AuthorizationID) (scheduled, used int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.appointments.rows {
		if r.val.AuthorizationID == id && r.val.Status.Open() {
			scheduled += r.val.ReservedUnits
		}
	}
	for _, r := range m.sessions.rows {
		if r.val.AuthorizationID == id {
			used += r.val.UnitsUsed
		}
	}
	return scheduled, used
}

type memError string

func (e memError) Error() string { return string(e) }

const (
	errInjected memError = "injected serialization failure"
	errStale    memError = "read set changed before commit"
)

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type memTx struct {
	m              *Memory
	authorizations *txTable[engine.AuthorizationID, engine.Authorization]
	appointments   *txTable[engine.AppointmentID, engine.Appointment]
	sessions       *txTable[engine.AppointmentID, engine.Session]
	practitioners  *txTable[engine.PractitionerID, engine.Practitioner]
}

func (tx *memTx) Authorizations() engine.AuthorizationRepository { return memAuthorizations{tx} }

func (tx *memTx) Appointments() engine.AppointmentRepository { return memAppointments{tx} }

func (tx *memTx) Sessions() engine.SessionRepository { return memSessions{tx} }

func (tx *memTx) Practitioners() engine.PractitionerRepository { return memPractitioners{tx} }

type memAuthorizations struct{ tx *memTx }

func (r memAuthorizations) Get(_ context.Context, id engine.AuthorizationID) (*engine.Authorization, error) {
	r.tx.m.mu.Lock()
	defer r.tx.m.mu.Unlock()
	a, ok := r.tx.authorizations.get(id)
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "authorization %s not found", id)
	}
	return &a, nil
}

func (r memAuthorizations) Create(_ context.Context, a *engine.Authorization) error {
	r.tx.m.mu.Lock()
	defer r.tx.m.mu.Unlock()
	if _, exists := r.tx.authorizations.get(a.ID); exists {
		return engine.Errorf(engine.KindInvalidTransition, "authorization %s already exists", a.ID)
	}
	r.tx.authorizations.put(a.ID, *a)
	return nil
}

func (r memAuthorizations) UpdateUnits(_ context.Context, id engine.AuthorizationID, c engine.Counters) error {
	r.tx.m.mu.Lock()
	defer r.tx.m.mu.Unlock()
	a, ok := r.tx.authorizations.get(id)
	if !ok {
		return engine.Errorf(engine.KindNotFound, "authorization %s not found", id)
	}
	a.TotalUnits = c.Total
	a.UsedUnits = c.Used
	a.ScheduledUnits = c.Scheduled
	a.Status = c.Status
	a.UpdatedAt = time.Now().UTC()
	r.tx.authorizations.put(id, a)
	return nil
}

func (r memAuthorizations) ListExpiring(_ context.Context, now time.Time) ([]engine.Authorization, error) {
	r.tx.m.mu.Lock()
	defer r.tx.m.mu.Unlock()
	var out []engine.Authorization
	for id := range r.tx.authorizations.parent.rows {
		a, _ := r.tx.authorizations.get(id)
		if a.Status != engine.AuthorizationActive && a.Status != engine.AuthorizationExhausted {
			continue
		}
		if a.PastEnd(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	return out, nil
}

type memAppointments struct{ tx *memTx }

func (r memAppointments) Get(_ context.Context, id engine.AppointmentID) (*engine.Appointment, error) {
	r.tx.m.mu.Lock()
	defer r.tx.m.mu.Unlock()
	a, ok := r.tx.appointments.get(id)
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "appointment %s not found", id)
	}
	return &a, nil
}

func (r memAppointments) Create(_ context.Context, a *engine.Appointment) error {
	r.tx.m.mu.Lock()
	defer r.tx.m.mu.Unlock()
	if _, exists := r.tx.appointments.get(a.ID); exists {
		return engine.Errorf(engine.KindInvalidTransition, "appointment %s already exists", a.ID)
	}
	r.tx.appointments.put(a.ID, *a)
	return nil
}

func (r memAppointments) Update(_ context.Context, a *engine.Appointment) error {
	r.tx.m.mu.Lock()
	defer r.tx.m.mu.Unlock()
	if _, ok := r.tx.appointments.get(a.ID); !ok {
		return engine.Errorf(engine.KindNotFound, "appointment %s not found", a.ID)
	}
	r.tx.appointments.put(a.ID, *a)
	return nil
}

type memSessions struct{ tx *memTx }

func (r memSessions) Create(_ context.Context, s *engine.Session) error {
	r.tx.m.mu.Lock()
	defer r.tx.m.mu.Unlock()
	if _, exists := r.tx.sessions.get(s.AppointmentID); exists {
		return engine.Errorf(engine.KindAlreadyCompleted, "appointment %s already has a session", s.AppointmentID)
	}
	r.tx.sessions.put(s.AppointmentID, *s)
	return nil
}

func (r memSessions) GetByAppointment(_ context.Context, id engine.AppointmentID) (*engine.Session, error) {
	r.tx.m.mu.Lock()
	defer r.tx.m.mu.Unlock()
	s, ok := r.tx.sessions.get(id)
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "no session for appointment %s", id)
	}
	return &s, nil
}

type memPractitioners struct{ tx *memTx }

func (r memPractitioners) Get(_ context.Context, id engine.PractitionerID) (*engine.Practitioner, error) {
	r.tx.m.mu.Lock()
	defer r.tx.m.mu.Unlock()
	p, ok := r.tx.practitioners.get(id)
	if !ok {
		return nil, engine.Errorf(engine.KindNotFound, "practitioner %s not found", id)
	}
	return &p, nil
}

func (r memPractitioners) Save(_ context.Context, p *engine.Practitioner) error {
	r.tx.m.mu.Lock()
	defer r.tx.m.mu.Unlock()
	r.tx.practitioners.put(p.ID, *p)
	return nil
}
