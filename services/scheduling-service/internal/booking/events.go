package booking

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

const (
	EventRequested   = "scheduling.appointment.requested.v1"
	EventConfirmed   = "scheduling.appointment.confirmed.v1"
	EventCancelled   = "scheduling.appointment.cancelled.v1"
	EventRescheduled = "scheduling.appointment.rescheduled.v1"
	EventStarted     = "scheduling.appointment.started.v1"
	EventCompleted   = "scheduling.appointment.completed.v1"
	EventNoShow      = "scheduling.appointment.no_show.v1"
	EventPurged      = "scheduling.appointment.purged.v1"
)

const aggregateAppointment = "appointment"

type appointmentPayload struct {
	AppointmentID         string `json:"appointment_id"`
	BusinessID            string `json:"business_id"`
	ProviderID            string `json:"provider_id"`
	CustomerID            string `json:"customer_id"`
	SlotID                string `json:"slot_id,omitempty"`
	StartTime             string `json:"start_time"`
	EndTime               string `json:"end_time"`
	Status                string `json:"status"`
	Urgency               string `json:"urgency"`
	PreviousAppointmentID string `json:"previous_appointment_id,omitempty"`
	CancelReason          string `json:"cancel_reason,omitempty"`
	CancelledBy           string `json:"cancelled_by,omitempty"`
	LateCancellation      bool   `json:"late_cancellation,omitempty"`
	Actor                 string `json:"actor,omitempty"`
	OccurredAt            string `json:"occurred_at"`
}

func (m *Machine) emit(ctx context.Context, tx storage.Tx, eventType string, a model.Appointment, actor string, at time.Time) error {
	evt, err := outbox.NewEvent(ctx, aggregateAppointment, a.ID, eventType, a.BusinessID, appointmentPayload{
		AppointmentID:         a.ID,
		BusinessID:            a.BusinessID,
		ProviderID:            a.ProviderID,
		CustomerID:            a.CustomerID,
		SlotID:                a.SlotID,
		StartTime:             a.StartTime.UTC().Format(time.RFC3339),
		EndTime:               a.End().UTC().Format(time.RFC3339),
		Status:                string(a.Status),
		Urgency:               string(a.Urgency),
		PreviousAppointmentID: a.PreviousAppointmentID,
		CancelReason:          a.CancelReason,
		CancelledBy:           a.CancelledBy,
		LateCancellation:      a.LateCancellation,
		Actor:                 actor,
		OccurredAt:            at.UTC().Format(time.RFC3339),
	}, at)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, evt)
}
