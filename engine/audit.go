package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditAction names a committed mutation.
type AuditAction string

const (
	AuditAuthorizationCreated AuditAction = "authorization_created"
	AuditAuthorizationTotal   AuditAction = "authorization_total_changed"
	AuditAuthorizationExpired AuditAction = "authorization_expired"
	AuditUnitsReserved        AuditAction = "units_reserved"
	AuditUnitsReleased        AuditAction = "units_released"
	AuditUnitsConsumed        AuditAction = "units_consumed"
	AuditAppointmentCreated   AuditAction = "appointment_created"
	AuditAppointmentUpdated   AuditAction = "appointment_updated"
	AuditAppointmentStarted   AuditAction = "appointment_started"
	AuditAppointmentCancelled AuditAction = "appointment_cancelled"
	AuditAppointmentNoShow    AuditAction = "appointment_no_show"
	AuditAppointmentCompleted AuditAction = "appointment_completed"
)

// AuditRecord is emitted after a mutation commits.
type AuditRecord struct {
	ID             string
	ActorID        string
	OrganizationID OrganizationID
	Action         AuditAction
	ResourceID     string
	Timestamp      time.Time
	Details        map[string]any
}

// AuditSink receives audit records. Record is fire-and-forget: it must not
// block for long and its failures never undo the mutation.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord)
}

// NopAuditSink discards records.
type NopAuditSink struct{}

func (NopAuditSink) Record(context.Context, AuditRecord) {}

// NewAuditRecord fills ID and Timestamp.
func NewAuditRecord(p Principal, org OrganizationID, action AuditAction, resourceID string, details map[string]any) AuditRecord {
	return AuditRecord{
		ID:             uuid.NewString(),
		ActorID:        p.UserID,
		OrganizationID: org,
		Action:         action,
		ResourceID:     resourceID,
		Timestamp:      time.Now().UTC(),
		Details:        details,
	}
}
