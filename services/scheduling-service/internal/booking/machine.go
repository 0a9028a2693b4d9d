package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/conflict"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

// Machine owns appointment lifecycle transitions and is the only writer of slot occupancy
// (Slot.IsAvailable and Slot.AppointmentID). Every method expects a transaction holding the provider lock.
type Machine struct {
	guard *conflict.Guard
	now   func() time.Time
	newID func() string
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Machine) { m.newID = newID }
}

func NewMachine(guard *conflict.Guard, opts ...Option) *Machine {
	m := &Machine{guard: guard, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type BookInput struct {
	BusinessID            string
	ProviderID            string
	CustomerID            string
	Start                 time.Time
	Duration              time.Duration
	Urgency               model.Urgency
	PreviousAppointmentID string
	// Slot is nil for an unslotted booking.
	Slot        *model.Slot
	AutoConfirm bool
	Actor       string
}

// Book creates an appointment. The conflict guard runs first, then the slot must still be bookable.
// Auto-confirmed bookings occupy the slot; others pre-reserve it until confirmed.
func (m *Machine) Book(ctx context.Context, tx storage.Tx, in BookInput) (model.Appointment, error) {
	if err := m.guard.AssertNoOverlap(ctx, tx, in.BusinessID, in.ProviderID, in.Start, in.Duration, ""); err != nil {
		return model.Appointment{}, err
	}

	now := m.now()
	a := model.Appointment{
		ID:                    m.newID(),
		BusinessID:            in.BusinessID,
		ProviderID:            in.ProviderID,
		CustomerID:            in.CustomerID,
		StartTime:             in.Start,
		Duration:              in.Duration,
		Status:                model.StatusRequested,
		Urgency:               in.Urgency,
		PreviousAppointmentID: in.PreviousAppointmentID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if in.AutoConfirm {
		a.Status = model.StatusConfirmed
		a.ConfirmedAt = &now
	}

	if in.Slot != nil {
		slot := *in.Slot
		if !slot.Bookable() {
			return model.Appointment{}, fmt.Errorf("slot %s: %w", slot.ID, model.ErrSlotUnavailable)
		}
		a.SlotID = slot.ID
		slot.AppointmentID = a.ID
		slot.IsAvailable = !in.AutoConfirm
		slot.UpdatedAt = now
		if err := tx.SaveSlots(ctx, slot); err != nil {
			return model.Appointment{}, err
		}
	}

	if err := tx.SaveAppointment(ctx, a); err != nil {
		return model.Appointment{}, err
	}
	eventType := EventRequested
	if a.Status == model.StatusConfirmed {
		eventType = EventConfirmed
	}
	if err := m.emit(ctx, tx, eventType, a, in.Actor, now); err != nil {
		return model.Appointment{}, err
	}
	if a.PreviousAppointmentID != "" {
		if err := m.emit(ctx, tx, EventRescheduled, a, in.Actor, now); err != nil {
			return model.Appointment{}, err
		}
	}
	return a, nil
}

// Confirm moves a requested appointment to confirmed and occupies its slot. The slot must be free or
// pre-reserved for this appointment.
func (m *Machine) Confirm(ctx context.Context, tx storage.Tx, a model.Appointment, actor string) (model.Appointment, error) {
	if err := checkTransition(a.Status, model.StatusConfirmed); err != nil {
		return model.Appointment{}, err
	}
	now := m.now()
	if a.SlotID != "" {
		slot, err := tx.GetSlot(ctx, a.BusinessID, a.SlotID)
		if err != nil {
			return model.Appointment{}, err
		}
		if !slot.Bookable() && !(slot.IsAvailable && slot.AppointmentID == a.ID) {
			return model.Appointment{}, fmt.Errorf("slot %s: %w", slot.ID, model.ErrSlotUnavailable)
		}
		slot.IsAvailable = false
		slot.AppointmentID = a.ID
		slot.UpdatedAt = now
		if err := tx.SaveSlots(ctx, slot); err != nil {
			return model.Appointment{}, err
		}
	}
	a.Status = model.StatusConfirmed
	a.ConfirmedAt = &now
	a.UpdatedAt = now
	return m.save(ctx, tx, a, EventConfirmed, actor, now)
}

// Cancel releases the slot and records who cancelled and why. Inside noCancelWindow of the start the
// cancellation still succeeds but is flagged late.
func (m *Machine) Cancel(ctx context.Context, tx storage.Tx, a model.Appointment, actor, reason string, noCancelWindow time.Duration) (model.Appointment, error) {
	if err := checkTransition(a.Status, model.StatusCancelled); err != nil {
		return model.Appointment{}, err
	}
	now := m.now()
	if err := m.release(ctx, tx, a, now); err != nil {
		return model.Appointment{}, err
	}
	a.Status = model.StatusCancelled
	a.CancelReason = reason
	a.CancelledBy = actor
	a.CancelledAt = &now
	a.LateCancellation = noCancelWindow > 0 && a.StartTime.Sub(now) < noCancelWindow
	a.UpdatedAt = now
	return m.save(ctx, tx, a, EventCancelled, actor, now)
}

func (m *Machine) Start(ctx context.Context, tx storage.Tx, a model.Appointment, actor string) (model.Appointment, error) {
	if err := checkTransition(a.Status, model.StatusInProgress); err != nil {
		return model.Appointment{}, err
	}
	now := m.now()
	a.Status = model.StatusInProgress
	a.StartedAt = &now
	a.UpdatedAt = now
	return m.save(ctx, tx, a, EventStarted, actor, now)
}

func (m *Machine) Complete(ctx context.Context, tx storage.Tx, a model.Appointment, actor string) (model.Appointment, error) {
	if err := checkTransition(a.Status, model.StatusCompleted); err != nil {
		return model.Appointment{}, err
	}
	now := m.now()
	a.Status = model.StatusCompleted
	a.CompletedAt = &now
	a.UpdatedAt = now
	return m.save(ctx, tx, a, EventCompleted, actor, now)
}

// MarkNoShow is allowed only once the scheduled interval has fully elapsed. The slot stays occupied.
func (m *Machine) MarkNoShow(ctx context.Context, tx storage.Tx, a model.Appointment, actor string) (model.Appointment, error) {
	if err := checkTransition(a.Status, model.StatusNoShow); err != nil {
		return model.Appointment{}, err
	}
	now := m.now()
	if now.Before(a.End()) {
		return model.Appointment{}, &model.TransitionError{From: a.Status, To: model.StatusNoShow, Reason: "appointment has not ended yet"}
	}
	a.Status = model.StatusNoShow
	a.UpdatedAt = now
	return m.save(ctx, tx, a, EventNoShow, actor, now)
}

// Purge hard-deletes an appointment, freeing its slot first.
func (m *Machine) Purge(ctx context.Context, tx storage.Tx, a model.Appointment, actor string) error {
	now := m.now()
	if err := m.release(ctx, tx, a, now); err != nil {
		return err
	}
	if err := tx.DeleteAppointment(ctx, a.BusinessID, a.ID); err != nil {
		return err
	}
	return m.emit(ctx, tx, EventPurged, a, actor, now)
}

func (m *Machine) release(ctx context.Context, tx storage.Tx, a model.Appointment, now time.Time) error {
	if a.SlotID == "" {
		return nil
	}
	slot, err := tx.GetSlot(ctx, a.BusinessID, a.SlotID)
	if err != nil {
		// A cancelled appointment being purged may point at a slot that was retired since.
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}
	if slot.AppointmentID != a.ID {
		return nil
	}
	slot.IsAvailable = true
	slot.AppointmentID = ""
	slot.UpdatedAt = now
	return tx.SaveSlots(ctx, slot)
}

func (m *Machine) save(ctx context.Context, tx storage.Tx, a model.Appointment, eventType, actor string, now time.Time) (model.Appointment, error) {
	if err := tx.SaveAppointment(ctx, a); err != nil {
		return model.Appointment{}, err
	}
	if err := m.emit(ctx, tx, eventType, a, actor, now); err != nil {
		return model.Appointment{}, err
	}
	return a, nil
}
