/*
coordinator.go - Appointment lifecycle and session completion

PURPOSE:
  Drives an Appointment through its states and keeps the bound
  Authorization's counters in step. Every transition that touches units
  writes the appointment row and calls the Ledger inside the SAME
  transaction, opened through the Retrier, so a serialization abort can
  never leave one changed without the other.

STATE MACHINE:
  ┌───────────┐  Start   ┌─────────────┐  Complete  ┌───────────┐
  │ SCHEDULED │─────────>│ IN_PROGRESS │───────────>│ COMPLETED │
  └───────────┘          └─────────────┘            └───────────┘
     │    │                  │     │
     │    └──── Cancel ──────┼─────┼───────────────> CANCELLED
     └───────── MarkNoShow ──┴─────┘───────────────> NO_SHOW

  COMPLETED, CANCELLED and NO_SHOW are terminal. SCHEDULED -> COMPLETED is
  allowed only when direct completion is enabled.

LEDGER EFFECTS:
  Create       reserve(units)
  Cancel       release(ReservedUnits)
  MarkNoShow   release(ReservedUnits)
  Complete     release(surplus), consume(actual units), write Session
  Start/Update none

ERRORS:
  Precondition failures (AlreadyCompleted, AlreadyCancelled,
  InvalidTransition, ...) are returned on the first attempt. Only store
  conflicts are retried, and each retry re-reads everything.

SEE ALSO:
  - engine/ledger.go: TxLedger, the unit mutations used here
  - engine/units.go:  UnitsFor
*/
package scheduling

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/authunits/engine"
)

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	ledger       *engine.Ledger
	guard        engine.Guard
	directFinish bool
	log          zerolog.Logger
}

type Option func(*Coordinator)

// WithDirectCompletion allows SCHEDULED -> COMPLETED without Start.
func WithDirectCompletion(allow bool) Option {
	return func(c *Coordinator) { c.directFinish = allow }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// NewCoordinator uses the ledger's store, retrier and audit sink.
func NewCoordinator(ledger *engine.Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger: ledger,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// REQUESTS
// =============================================================================

type CreateRequest struct {
	OrganizationID  engine.OrganizationID
	PatientID       engine.PatientID
	PractitionerID  engine.PractitionerID
	ServiceCode     engine.ServiceCode
	AuthorizationID engine.AuthorizationID
	StartTime       time.Time
	EndTime         time.Time
	Notes           string
}

// UpdateRequest changes non-status fields. Nil fields are left alone.
type UpdateRequest struct {
	PractitionerID *engine.PractitionerID
	StartTime      *time.Time
	EndTime        *time.Time
	Notes          *string
}

// CompleteRequest carries what actually happened. Zero times mean the
// appointment's scheduled times.
type CompleteRequest struct {
	ActualStart time.Time
	ActualEnd   time.Time
	Notes       string
}

// =============================================================================
// CREATE
// =============================================================================

// Create books an appointment and reserves its units in one transaction.
// If the reservation fails nothing is written.
func (c *Coordinator) Create(ctx context.Context, p engine.Principal, req CreateRequest) (*engine.Appointment, error) {
	if err := c.guard.Check(p, req.OrganizationID, engine.ActionMutate); err != nil {
		return nil, err
	}
	units, err := engine.UnitsFor(req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}

	appt, err := engine.Run(ctx, c.ledger.Retrier(), func(ctx context.Context) (*engine.Appointment, error) {
		var out *engine.Appointment
		err := c.ledger.Store().WithTx(ctx, func(tx engine.Tx) error {
			auth, err := tx.Authorizations().Get(ctx, req.AuthorizationID)
			if err != nil {
				return err
			}
			if err := checkCoverage(auth, req); err != nil {
				return err
			}
			if err := c.checkPractitioner(ctx, tx, req.OrganizationID, req.PractitionerID); err != nil {
				return err
			}

			if _, err := c.ledger.In(tx).Reserve(ctx, auth.ID, units); err != nil {
				return err
			}

			now := c.ledger.Now()
			out = &engine.Appointment{
				ID:              engine.NewAppointmentID(),
				OrganizationID:  req.OrganizationID,
				PatientID:       req.PatientID,
				PractitionerID:  req.PractitionerID,
				ServiceCode:     req.ServiceCode,
				AuthorizationID: auth.ID,
				Status:          engine.AppointmentScheduled,
				StartTime:       req.StartTime.UTC(),
				EndTime:         req.EndTime.UTC(),
				ReservedUnits:   units,
				Notes:           req.Notes,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			return tx.Appointments().Create(ctx, out)
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("appointment_id", string(appt.ID)).
		Str("authorization_id", string(appt.AuthorizationID)).
		Int("units", units).
		Msg("appointment created")
	c.record(ctx, p, appt, engine.AuditAppointmentCreated, map[string]any{"reserved_units": units})
	return appt, nil
}

func checkCoverage(auth *engine.Authorization, req CreateRequest) error {
	if auth.OrganizationID != req.OrganizationID {
		return engine.Errorf(engine.KindForbidden, "authorization belongs to another organization")
	}
	if auth.PatientID != req.PatientID {
		return engine.Errorf(engine.KindInvalidTransition,
			"authorization %s does not cover patient %s", auth.ID, req.PatientID)
	}
	if auth.ServiceCode != req.ServiceCode {
		return engine.Errorf(engine.KindInvalidTransition,
			"authorization %s does not cover service code %s", auth.ID, req.ServiceCode)
	}
	if !auth.Covers(req.StartTime, req.EndTime) {
		return engine.Errorf(engine.KindInvalidInterval,
			"appointment falls outside authorization %s date range", auth.ID)
	}
	return nil
}

func (c *Coordinator) checkPractitioner(ctx context.Context, tx engine.Tx, org engine.OrganizationID, id engine.PractitionerID) error {
	pr, err := tx.Practitioners().Get(ctx, id)
	if err != nil {
		return err
	}
	if pr.OrganizationID != org {
		return engine.Errorf(engine.KindForbidden, "practitioner %s belongs to another organization", id)
	}
	return nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Start moves SCHEDULED -> IN_PROGRESS.
func (c *Coordinator) Start(ctx context.Context, p engine.Principal, id engine.AppointmentID) (*engine.Appointment, error) {
	return c.transition(ctx, p, id, engine.AuditAppointmentStarted,
		func(_ context.Context, _ engine.Tx, appt *engine.Appointment) error {
			if err := terminalError(appt); err != nil {
				return err
			}
			if appt.Status != engine.AppointmentScheduled {
				return engine.Errorf(engine.KindInvalidTransition,
					"appointment %s is %s, cannot start", appt.ID, appt.Status)
			}
			appt.Status = engine.AppointmentInProgress
			return nil
		})
}

// Cancel releases the reservation and moves to CANCELLED.
func (c *Coordinator) Cancel(ctx context.Context, p engine.Principal, id engine.AppointmentID) (*engine.Appointment, error) {
	return c.closeWithoutSession(ctx, p, id, engine.AppointmentCancelled, engine.AuditAppointmentCancelled)
}

// MarkNoShow releases the reservation and moves to NO_SHOW.
func (c *Coordinator) MarkNoShow(ctx context.Context, p engine.Principal, id engine.AppointmentID) (*engine.Appointment, error) {
	return c.closeWithoutSession(ctx, p, id, engine.AppointmentNoShow, engine.AuditAppointmentNoShow)
}

func (c *Coordinator) closeWithoutSession(
	ctx context.Context,
	p engine.Principal,
	id engine.AppointmentID,
	to engine.AppointmentStatus,
	action engine.AuditAction,
) (*engine.Appointment, error) {
	return c.transition(ctx, p, id, action,
		func(ctx context.Context, tx engine.Tx, appt *engine.Appointment) error {
			if err := terminalError(appt); err != nil {
				return err
			}
			if appt.ReservedUnits > 0 {
				if _, err := c.ledger.In(tx).Release(ctx, appt.AuthorizationID, appt.ReservedUnits); err != nil {
					return err
				}
			}
			appt.Status = to
			return nil
		})
}

// Update changes practitioner, times or notes. A time change must keep the
// unit count already reserved; resizing is a cancel and rebook.
func (c *Coordinator) Update(ctx context.Context, p engine.Principal, id engine.AppointmentID, req UpdateRequest) (*engine.Appointment, error) {
	return c.transition(ctx, p, id, engine.AuditAppointmentUpdated,
		func(ctx context.Context, tx engine.Tx, appt *engine.Appointment) error {
			if err := terminalError(appt); err != nil {
				return err
			}
			if req.PractitionerID != nil && *req.PractitionerID != appt.PractitionerID {
				if err := c.checkPractitioner(ctx, tx, appt.OrganizationID, *req.PractitionerID); err != nil {
					return err
				}
				appt.PractitionerID = *req.PractitionerID
			}
			if req.StartTime != nil || req.EndTime != nil {
				start, end := appt.StartTime, appt.EndTime
				if req.StartTime != nil {
					start = req.StartTime.UTC()
				}
				if req.EndTime != nil {
					end = req.EndTime.UTC()
				}
				if !end.After(start) {
					return engine.Errorf(engine.KindInvalidInterval, "appointment end must be after start")
				}
				auth, err := tx.Authorizations().Get(ctx, appt.AuthorizationID)
				if err != nil {
					return err
				}
				if !auth.Covers(start, end) {
					return engine.Errorf(engine.KindInvalidInterval,
						"appointment falls outside authorization %s date range", auth.ID)
				}
				units, err := engine.UnitsFor(start, end)
				if err != nil {
					return err
				}
				if units != appt.ReservedUnits {
					return engine.Errorf(engine.KindInvalidTransition,
						"new times need %d units but %d are reserved", units, appt.ReservedUnits)
				}
				appt.StartTime, appt.EndTime = start, end
			}
			if req.Notes != nil {
				appt.Notes = *req.Notes
			}
			return nil
		})
}

// transition loads the appointment, checks the caller, applies fn and writes
// the appointment back, all in one retried transaction. The audit record is
// emitted only after commit.
func (c *Coordinator) transition(
	ctx context.Context,
	p engine.Principal,
	id engine.AppointmentID,
	action engine.AuditAction,
	fn func(ctx context.Context, tx engine.Tx, appt *engine.Appointment) error,
) (*engine.Appointment, error) {
	if err := c.guard.CheckRole(p, engine.ActionMutate); err != nil {
		return nil, err
	}

	var from engine.AppointmentStatus
	appt, err := engine.Run(ctx, c.ledger.Retrier(), func(ctx context.Context) (*engine.Appointment, error) {
		var out *engine.Appointment
		err := c.ledger.Store().WithTx(ctx, func(tx engine.Tx) error {
			appt, err := tx.Appointments().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := c.guard.CheckTenant(p, appt.OrganizationID); err != nil {
				return err
			}
			from = appt.Status
			if err := fn(ctx, tx, appt); err != nil {
				return err
			}
			appt.UpdatedAt = c.ledger.Now()
			if err := tx.Appointments().Update(ctx, appt); err != nil {
				return err
			}
			out = appt
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("appointment_id", string(appt.ID)).
		Str("from", string(from)).
		Str("to", string(appt.Status)).
		Msg("appointment transition committed")
	c.record(ctx, p, appt, action, map[string]any{"from": from, "to": appt.Status})
	return appt, nil
}

// =============================================================================
// COMPLETION
// =============================================================================

// Complete consumes the units actually delivered, writes the Session and
// marks the appointment COMPLETED, all in one transaction.
//
// Actual units above the reservation fail InsufficientScheduled. Actual units
// below it release the surplus first, so the appointment leaves nothing
// scheduled behind.
func (c *Coordinator) Complete(ctx context.Context, p engine.Principal, id engine.AppointmentID, req CompleteRequest) (*engine.Session, error) {
	if err := c.guard.CheckRole(p, engine.ActionMutate); err != nil {
		return nil, err
	}

	var appt *engine.Appointment
	session, err := engine.Run(ctx, c.ledger.Retrier(), func(ctx context.Context) (*engine.Session, error) {
		var out *engine.Session
		err := c.ledger.Store().WithTx(ctx, func(tx engine.Tx) error {
			a, err := tx.Appointments().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := c.guard.CheckTenant(p, a.OrganizationID); err != nil {
				return err
			}
			if err := terminalError(a); err != nil {
				return err
			}
			if a.Status == engine.AppointmentScheduled && !c.directFinish {
				return engine.Errorf(engine.KindInvalidTransition,
					"appointment %s has not started", a.ID)
			}

			start, end := a.StartTime, a.EndTime
			if !req.ActualStart.IsZero() {
				start = req.ActualStart.UTC()
			}
			if !req.ActualEnd.IsZero() {
				end = req.ActualEnd.UTC()
			}
			used, err := engine.UnitsFor(start, end)
			if err != nil {
				return err
			}
			if used > a.ReservedUnits {
				return engine.Errorf(engine.KindInsufficientScheduled,
					"session used %d units but appointment %s reserved %d", used, a.ID, a.ReservedUnits)
			}

			ledger := c.ledger.In(tx)
			if surplus := a.ReservedUnits - used; surplus > 0 {
				if _, err := ledger.Release(ctx, a.AuthorizationID, surplus); err != nil {
					return err
				}
			}
			if _, err := ledger.Consume(ctx, a.AuthorizationID, used); err != nil {
				return err
			}

			now := c.ledger.Now()
			s := &engine.Session{
				ID:              engine.NewSessionID(),
				AppointmentID:   a.ID,
				AuthorizationID: a.AuthorizationID,
				OrganizationID:  a.OrganizationID,
				UnitsUsed:       used,
				StartTime:       start,
				EndTime:         end,
				Notes:           req.Notes,
				CreatedBy:       p.UserID,
				CreatedAt:       now,
			}
			if err := tx.Sessions().Create(ctx, s); err != nil {
				return err
			}

			a.Status = engine.AppointmentCompleted
			a.UpdatedAt = now
			if err := tx.Appointments().Update(ctx, a); err != nil {
				return err
			}
			appt, out = a, s
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("appointment_id", string(appt.ID)).
		Str("session_id", string(session.ID)).
		Int("units_used", session.UnitsUsed).
		Int("units_reserved", appt.ReservedUnits).
		Msg("appointment completed")
	c.record(ctx, p, appt, engine.AuditAppointmentCompleted, map[string]any{
		"session_id":     session.ID,
		"units_used":     session.UnitsUsed,
		"units_reserved": appt.ReservedUnits,
	})
	return session, nil
}

// terminalError reports why a terminal appointment cannot move.
func terminalError(a *engine.Appointment) error {
	switch a.Status {
	case engine.AppointmentCompleted:
		return engine.Errorf(engine.KindAlreadyCompleted, "appointment %s is already completed", a.ID)
	case engine.AppointmentCancelled:
		return engine.Errorf(engine.KindAlreadyCancelled, "appointment %s is already cancelled", a.ID)
	case engine.AppointmentNoShow:
		return engine.Errorf(engine.KindInvalidTransition, "appointment %s was marked no-show", a.ID)
	}
	return nil
}

// =============================================================================
// READS / DIRECTORY
// =============================================================================

func (c *Coordinator) Get(ctx context.Context, p engine.Principal, id engine.AppointmentID) (*engine.Appointment, error) {
	if err := c.guard.CheckRole(p, engine.ActionRead); err != nil {
		return nil, err
	}
	return engine.Run(ctx, c.ledger.Retrier(), func(ctx context.Context) (*engine.Appointment, error) {
		var out *engine.Appointment
		err := c.ledger.Store().WithTx(ctx, func(tx engine.Tx) error {
			a, err := tx.Appointments().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := c.guard.CheckTenant(p, a.OrganizationID); err != nil {
				return err
			}
			out = a
			return nil
		})
		return out, err
	})
}

// SessionFor returns the session recorded when the appointment completed.
func (c *Coordinator) SessionFor(ctx context.Context, p engine.Principal, id engine.AppointmentID) (*engine.Session, error) {
	if err := c.guard.CheckRole(p, engine.ActionRead); err != nil {
		return nil, err
	}
	return engine.Run(ctx, c.ledger.Retrier(), func(ctx context.Context) (*engine.Session, error) {
		var out *engine.Session
		err := c.ledger.Store().WithTx(ctx, func(tx engine.Tx) error {
			s, err := tx.Sessions().GetByAppointment(ctx, id)
			if err != nil {
				return err
			}
			if err := c.guard.CheckTenant(p, s.OrganizationID); err != nil {
				return err
			}
			out = s
			return nil
		})
		return out, err
	})
}

// SavePractitioner registers or renames a practitioner. Admin only.
func (c *Coordinator) SavePractitioner(ctx context.Context, p engine.Principal, pr engine.Practitioner) error {
	if err := c.guard.Check(p, pr.OrganizationID, engine.ActionAdminister); err != nil {
		return err
	}
	return c.ledger.Retrier().Do(ctx, func(ctx context.Context) error {
		return c.ledger.Store().WithTx(ctx, func(tx engine.Tx) error {
			existing, err := tx.Practitioners().Get(ctx, pr.ID)
			switch {
			case err == nil && existing.OrganizationID != pr.OrganizationID:
				return engine.Errorf(engine.KindForbidden, "practitioner %s belongs to another organization", pr.ID)
			case err != nil && engine.KindOf(err) != engine.KindNotFound:
				return err
			}
			return tx.Practitioners().Save(ctx, &pr)
		})
	})
}

func (c *Coordinator) record(ctx context.Context, p engine.Principal, a *engine.Appointment, action engine.AuditAction, details map[string]any) {
	c.ledger.AuditSink().Record(ctx, engine.NewAuditRecord(p, a.OrganizationID, action, string(a.ID), details))
}
