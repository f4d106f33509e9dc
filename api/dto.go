/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO:     response types returned to clients
  - *Request: request body types from clients

DATES:
  Authorization start/end dates are "YYYY-MM-DD". Appointment and session
  times are RFC3339 instants.

VALIDATION:
  DTOs are pure data carriers. Decoding errors are 400; every business rule
  is enforced by the engine and surfaces through its error kinds.

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/warp/authunits/engine"
)

const dateLayout = "2006-01-02"

// =============================================================================
// AUTHORIZATIONS
// =============================================================================

type AuthorizationDTO struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	PatientID      string `json:"patient_id"`
	ServiceCode    string `json:"service_code"`
	TotalUnits     int    `json:"total_units"`
	UsedUnits      int    `json:"used_units"`
	ScheduledUnits int    `json:"scheduled_units"`
	AvailableUnits int    `json:"available_units"`
	Status         string `json:"status"`
	StartDate      string `json:"start_date,omitempty"`
	EndDate        string `json:"end_date,omitempty"`
}

type CreateAuthorizationRequest struct {
	PatientID   string `json:"patient_id"`
	ServiceCode string `json:"service_code"`
	TotalUnits  int    `json:"total_units"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
}

type SetTotalRequest struct {
	TotalUnits int `json:"total_units"`
}

type UnitsRequest struct {
	Amount int `json:"amount"`
}

type AvailableDTO struct {
	AuthorizationID string `json:"authorization_id"`
	AvailableUnits  int    `json:"available_units"`
}

func toAuthorizationDTO(a *engine.Authorization) AuthorizationDTO {
	return AuthorizationDTO{
		ID:             string(a.ID),
		OrganizationID: string(a.OrganizationID),
		PatientID:      string(a.PatientID),
		ServiceCode:    string(a.ServiceCode),
		TotalUnits:     a.TotalUnits,
		UsedUnits:      a.UsedUnits,
		ScheduledUnits: a.ScheduledUnits,
		AvailableUnits: a.Counters().Available(),
		Status:         string(a.Status),
		StartDate:      formatDate(a.StartDate),
		EndDate:        formatDate(a.EndDate),
	}
}

type CountersDTO struct {
	engine.Counters
	AvailableUnits int `json:"available_units"`
}

func toCountersDTO(c engine.Counters) CountersDTO {
	return CountersDTO{Counters: c, AvailableUnits: c.Available()}
}

// =============================================================================
// APPOINTMENTS / SESSIONS
// =============================================================================

type AppointmentDTO struct {
	ID              string    `json:"id"`
	OrganizationID  string    `json:"organization_id"`
	PatientID       string    `json:"patient_id"`
	PractitionerID  string    `json:"practitioner_id"`
	ServiceCode     string    `json:"service_code"`
	AuthorizationID string    `json:"authorization_id"`
	Status          string    `json:"status"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	ReservedUnits   int       `json:"reserved_units"`
	Notes           string    `json:"notes,omitempty"`
}

type CreateAppointmentRequest struct {
	PatientID       string    `json:"patient_id"`
	PractitionerID  string    `json:"practitioner_id"`
	ServiceCode     string    `json:"service_code"`
	AuthorizationID string    `json:"authorization_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Notes           string    `json:"notes"`
}

type UpdateAppointmentRequest struct {
	PractitionerID *string    `json:"practitioner_id"`
	StartTime      *time.Time `json:"start_time"`
	EndTime        *time.Time `json:"end_time"`
	Notes          *string    `json:"notes"`
}

type CompleteAppointmentRequest struct {
	ActualStart time.Time `json:"actual_start"`
	ActualEnd   time.Time `json:"actual_end"`
	Notes       string    `json:"notes"`
}

func toAppointmentDTO(a *engine.Appointment) AppointmentDTO {
	return AppointmentDTO{
		ID:              string(a.ID),
		OrganizationID:  string(a.OrganizationID),
		PatientID:       string(a.PatientID),
		PractitionerID:  string(a.PractitionerID),
		ServiceCode:     string(a.ServiceCode),
		AuthorizationID: string(a.AuthorizationID),
		Status:          string(a.Status),
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		ReservedUnits:   a.ReservedUnits,
		Notes:           a.Notes,
	}
}

type SessionDTO struct {
	ID              string    `json:"id"`
	AppointmentID   string    `json:"appointment_id"`
	AuthorizationID string    `json:"authorization_id"`
	UnitsUsed       int       `json:"units_used"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Notes           string    `json:"notes,omitempty"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
}

func toSessionDTO(s *engine.Session) SessionDTO {
	return SessionDTO{
		ID:              string(s.ID),
		AppointmentID:   string(s.AppointmentID),
		AuthorizationID: string(s.AuthorizationID),
		UnitsUsed:       s.UnitsUsed,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		Notes:           s.Notes,
		CreatedBy:       s.CreatedBy,
		CreatedAt:       s.CreatedAt,
	}
}

// =============================================================================
// PRACTITIONERS / ADMIN
// =============================================================================

type PractitionerRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ExpireResponse struct {
	Expired int `json:"expired"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, s)
}
