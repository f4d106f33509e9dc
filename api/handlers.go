/*
handlers.go - HTTP API handlers for the authorization unit engine

PURPOSE:
  Exposes the ledger and the appointment coordinator over REST. Handlers
  decode the request, call exactly one engine operation, and encode the
  result. No business rule lives here.

ENDPOINTS:
  Authorizations:
    POST   /api/authorizations                  Create (admin)
    GET    /api/authorizations/{id}             Get
    GET    /api/authorizations/{id}/available   Available units
    PUT    /api/authorizations/{id}/total       Change total (admin)
    POST   /api/authorizations/{id}/reserve     Reserve units
    POST   /api/authorizations/{id}/release     Release units
    POST   /api/authorizations/{id}/consume     Consume units

  Appointments:
    POST   /api/appointments                    Book (reserves units)
    GET    /api/appointments/{id}               Get
    PATCH  /api/appointments/{id}               Update practitioner/times/notes
    POST   /api/appointments/{id}/start         SCHEDULED -> IN_PROGRESS
    POST   /api/appointments/{id}/cancel        -> CANCELLED, releases units
    POST   /api/appointments/{id}/no-show       -> NO_SHOW, releases units
    POST   /api/appointments/{id}/complete      -> COMPLETED, consumes units
    GET    /api/appointments/{id}/session       Session written at completion

  Practitioners:
    PUT    /api/practitioners/{id}              Register or rename (admin)

  Admin:
    POST   /api/admin/expire                    Expire past-end authorizations

ERROR HANDLING:
  Engine errors are mapped by kind (see errors.go):
  - 400: InvalidInterval, InvalidAmount, undecodable input
  - 403: Forbidden
  - 404: NotFound
  - 409: InsufficientUnits, InsufficientScheduled, InactiveAuthorization,
         AlreadyCompleted, AlreadyCancelled, InvalidTransition
  - 503: RetriesExhausted (with Retry-After)
  - 500: anything else

SEE ALSO:
  - dto.go:        request/response shapes
  - middleware.go: principal headers, request logging
  - server.go:     router setup
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/authunits/engine"
	"github.com/warp/authunits/scheduling"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      *engine.Ledger
	Coordinator *scheduling.Coordinator
	Log         zerolog.Logger
	now         func() time.Time
}

func NewHandler(ledger *engine.Ledger, coord *scheduling.Coordinator, log zerolog.Logger) *Handler {
	return &Handler{
		Ledger:      ledger,
		Coordinator: coord,
		Log:         log,
		now:         time.Now,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// =============================================================================
// AUTHORIZATION HANDLERS
// =============================================================================

func (h *Handler) CreateAuthorization(w http.ResponseWriter, r *http.Request) {
	var req CreateAuthorizationRequest
	if !decode(w, r, &req) {
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		writeBadRequest(w, "start_date must be YYYY-MM-DD")
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		writeBadRequest(w, "end_date must be YYYY-MM-DD")
		return
	}

	p := principalFrom(r.Context())
	a, err := h.Ledger.CreateAuthorization(r.Context(), p, engine.NewAuthorization{
		OrganizationID: p.OrganizationID,
		PatientID:      engine.PatientID(req.PatientID),
		ServiceCode:    engine.ServiceCode(req.ServiceCode),
		TotalUnits:     req.TotalUnits,
		StartDate:      start,
		EndDate:        end,
	})
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAuthorizationDTO(a))
}

func (h *Handler) GetAuthorization(w http.ResponseWriter, r *http.Request) {
	a, err := h.Ledger.Get(r.Context(), principalFrom(r.Context()), authorizationID(r))
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuthorizationDTO(a))
}

func (h *Handler) GetAvailable(w http.ResponseWriter, r *http.Request) {
	id := authorizationID(r)
	n, err := h.Ledger.AvailableUnits(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailableDTO{AuthorizationID: string(id), AvailableUnits: n})
}

func (h *Handler) SetTotal(w http.ResponseWriter, r *http.Request) {
	var req SetTotalRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Ledger.SetTotalUnits(r.Context(), principalFrom(r.Context()), authorizationID(r), req.TotalUnits)
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCountersDTO(c))
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	h.mutateUnits(w, r, h.Ledger.Reserve)
}

func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	h.mutateUnits(w, r, h.Ledger.Release)
}

func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	h.mutateUnits(w, r, h.Ledger.Consume)
}

type unitsOp func(ctx context.Context, p engine.Principal, id engine.AuthorizationID, amount int) (engine.Counters, error)

func (h *Handler) mutateUnits(w http.ResponseWriter, r *http.Request, op unitsOp) {
	var req UnitsRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := op(r.Context(), principalFrom(r.Context()), authorizationID(r), req.Amount)
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toCountersDTO(c))
}

// =============================================================================
// APPOINTMENT HANDLERS
// =============================================================================

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decode(w, r, &req) {
		return
	}
	p := principalFrom(r.Context())
	a, err := h.Coordinator.Create(r.Context(), p, scheduling.CreateRequest{
		OrganizationID:  p.OrganizationID,
		PatientID:       engine.PatientID(req.PatientID),
		PractitionerID:  engine.PractitionerID(req.PractitionerID),
		ServiceCode:     engine.ServiceCode(req.ServiceCode),
		AuthorizationID: engine.AuthorizationID(req.AuthorizationID),
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Notes:           req.Notes,
	})
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentDTO(a))
}

func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	a, err := h.Coordinator.Get(r.Context(), principalFrom(r.Context()), appointmentID(r))
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(a))
}

func (h *Handler) UpdateAppointment(w http.ResponseWriter, r *http.Request) {
	var req UpdateAppointmentRequest
	if !decode(w, r, &req) {
		return
	}
	upd := scheduling.UpdateRequest{
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Notes:     req.Notes,
	}
	if req.PractitionerID != nil {
		id := engine.PractitionerID(*req.PractitionerID)
		upd.PractitionerID = &id
	}
	a, err := h.Coordinator.Update(r.Context(), principalFrom(r.Context()), appointmentID(r), upd)
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(a))
}

func (h *Handler) StartAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Coordinator.Start)
}

func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Coordinator.Cancel)
}

func (h *Handler) MarkNoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Coordinator.MarkNoShow)
}

type transitionOp func(ctx context.Context, p engine.Principal, id engine.AppointmentID) (*engine.Appointment, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op transitionOp) {
	a, err := op(r.Context(), principalFrom(r.Context()), appointmentID(r))
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(a))
}

func (h *Handler) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	// An empty body completes with the scheduled times.
	var req CompleteAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	s, err := h.Coordinator.Complete(r.Context(), principalFrom(r.Context()), appointmentID(r), scheduling.CompleteRequest{
		ActualStart: req.ActualStart,
		ActualEnd:   req.ActualEnd,
		Notes:       req.Notes,
	})
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Coordinator.SessionFor(r.Context(), principalFrom(r.Context()), appointmentID(r))
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(s))
}

// =============================================================================
// PRACTITIONER / ADMIN HANDLERS
// =============================================================================

func (h *Handler) SavePractitioner(w http.ResponseWriter, r *http.Request) {
	var req PractitionerRequest
	if !decode(w, r, &req) {
		return
	}
	p := principalFrom(r.Context())
	pr := engine.Practitioner{
		ID:             engine.PractitionerID(chi.URLParam(r, "id")),
		OrganizationID: p.OrganizationID,
		Name:           req.Name,
	}
	if err := h.Coordinator.SavePractitioner(r.Context(), p, pr); err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, PractitionerRequest{ID: string(pr.ID), Name: pr.Name})
}

// Expire runs authorization expiry now. Admin only.
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := (engine.Guard{}).CheckRole(p, engine.ActionAdminister); err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	n, err := h.Ledger.ExpireAuthorizations(r.Context(), h.now().UTC())
	if err != nil {
		writeEngineError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, ExpireResponse{Expired: n})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func authorizationID(r *http.Request) engine.AuthorizationID {
	return engine.AuthorizationID(chi.URLParam(r, "id"))
}

func appointmentID(r *http.Request) engine.AppointmentID {
	return engine.AppointmentID(chi.URLParam(r, "id"))
}
