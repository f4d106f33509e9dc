/*
Package engine provides the authorization unit accounting core.

PURPOSE:
  A payer authorizes a budget of billable units for one patient and service
  code. Appointments hold (reserve) units against that budget while they are
  open, give them back (release) when cancelled, and turn them into usage
  (consume) when completed. This package owns the counters, the rules that
  keep them consistent, and the retry machinery that makes concurrent writers
  safe under serializable isolation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Authorization: total/used/scheduled counters plus a status
  - Appointment:   a booked encounter bound to exactly one Authorization
  - Session:       immutable record of delivered units
  - Principal:     the already-authenticated caller

COUNTER INVARIANT:
  0 <= Used, 0 <= Scheduled, Used + Scheduled <= Total

  Held after every committed transaction. The Ledger is the only writer of
  the three counters.

SEE ALSO:
  - ledger.go: Reserve / Release / Consume
  - units.go:  interval to unit quantization
  - retry.go:  serialization conflict retry
*/
package engine

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	OrganizationID  string
	PatientID       string
	PractitionerID  string
	AuthorizationID string
	AppointmentID   string
	SessionID       string
	ServiceCode     string
)

func NewAuthorizationID() AuthorizationID { return AuthorizationID(uuid.NewString()) }

func NewAppointmentID() AppointmentID { return AppointmentID(uuid.NewString()) }

func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

// =============================================================================
// AUTHORIZATION
// =============================================================================

type AuthorizationStatus string

const (
	AuthorizationActive    AuthorizationStatus = "ACTIVE"
	AuthorizationExhausted AuthorizationStatus = "EXHAUSTED"
	AuthorizationExpired   AuthorizationStatus = "EXPIRED"
	AuthorizationCancelled AuthorizationStatus = "CANCELLED"
)

// Authorization is a payer-approved budget of units for a patient and service code.
type Authorization struct {
	ID             AuthorizationID
	OrganizationID OrganizationID
	PatientID      PatientID
	ServiceCode    ServiceCode

	TotalUnits     int
	UsedUnits      int
	ScheduledUnits int
	Status         AuthorizationStatus

	StartDate time.Time
	EndDate   time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Counters returns a snapshot of the unit counters.
func (a *Authorization) Counters() Counters {
	return Counters{
		Total:     a.TotalUnits,
		Used:      a.UsedUnits,
		Scheduled: a.ScheduledUnits,
		Status:    a.Status,
	}
}

// Covers reports whether [start, end) falls inside the authorization's date range.
// EndDate is inclusive of the whole day.
func (a *Authorization) Covers(start, end time.Time) bool {
	if !a.StartDate.IsZero() && start.Before(a.StartDate) {
		return false
	}
	if !a.EndDate.IsZero() && end.After(a.EndDate.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// PastEnd reports whether the whole EndDate day has elapsed at now.
func (a *Authorization) PastEnd(now time.Time) bool {
	return !a.EndDate.IsZero() && !now.Before(a.EndDate.AddDate(0, 0, 1))
}

// Counters is the externally visible unit state of an Authorization.
type Counters struct {
	Total     int                 `json:"total_units"`
	Used      int                 `json:"used_units"`
	Scheduled int                 `json:"scheduled_units"`
	Status    AuthorizationStatus `json:"status"`
}

func (c Counters) Available() int {
	return c.Total - c.Used - c.Scheduled
}

// Valid checks the counter invariant.
func (c Counters) Valid() bool {
	return c.Used >= 0 && c.Scheduled >= 0 && c.Used+c.Scheduled <= c.Total
}

// NewAuthorization is the input for creating an Authorization.
type NewAuthorization struct {
	OrganizationID OrganizationID
	PatientID      PatientID
	ServiceCode    ServiceCode
	TotalUnits     int
	StartDate      time.Time
	EndDate        time.Time
}

// =============================================================================
// APPOINTMENT
// =============================================================================

type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "SCHEDULED"
	AppointmentInProgress AppointmentStatus = "IN_PROGRESS"
	AppointmentCompleted  AppointmentStatus = "COMPLETED"
	AppointmentCancelled  AppointmentStatus = "CANCELLED"
	AppointmentNoShow     AppointmentStatus = "NO_SHOW"
)

// Terminal reports whether no further transition is possible.
func (s AppointmentStatus) Terminal() bool {
	return s == AppointmentCompleted || s == AppointmentCancelled || s == AppointmentNoShow
}

// Open reports whether the appointment currently holds a reservation.
func (s AppointmentStatus) Open() bool {
	return s == AppointmentScheduled || s == AppointmentInProgress
}

// Appointment is a scheduled encounter bound to one Authorization.
// While Open, the Authorization holds exactly ReservedUnits for it.
type Appointment struct {
	ID              AppointmentID
	OrganizationID  OrganizationID
	PatientID       PatientID
	PractitionerID  PractitionerID
	ServiceCode     ServiceCode
	AuthorizationID AuthorizationID

	Status        AppointmentStatus
	StartTime     time.Time
	EndTime       time.Time
	ReservedUnits int
	Notes         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// SESSION
// =============================================================================

// Session records what was delivered. Append-only: never updated or deleted.
type Session struct {
	ID              SessionID
	AppointmentID   AppointmentID
	AuthorizationID AuthorizationID
	OrganizationID  OrganizationID
	UnitsUsed       int
	StartTime       time.Time
	EndTime         time.Time
	Notes           string
	CreatedBy       string
	CreatedAt       time.Time
}

// =============================================================================
// PRACTITIONER
// =============================================================================

// Practitioner is the minimal directory entry needed for tenant checks.
type Practitioner struct {
	ID             PractitionerID
	OrganizationID OrganizationID
	Name           string
}
