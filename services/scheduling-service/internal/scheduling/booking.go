package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/policy"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

type BookRequest struct {
	BusinessID string
	ProviderID string
	CustomerID string
	Start      time.Time
	// Duration of zero takes the slot (or provider) duration.
	Duration time.Duration
	Urgency  model.Urgency
	// IdempotencyKey makes retries of the same request return the appointment created first. Keys are
	// scoped to the provider.
	IdempotencyKey string
	Actor          string
}

func (r BookRequest) validate() error {
	if err := requireIDs("business_id", r.BusinessID, "provider_id", r.ProviderID, "customer_id", r.CustomerID); err != nil {
		return err
	}
	if r.Start.IsZero() {
		return fmt.Errorf("%w: start is required", model.ErrInvalidArgument)
	}
	if r.Duration < 0 {
		return model.ErrInvalidDuration
	}
	if _, err := model.ParseUrgency(string(r.Urgency)); err != nil {
		return err
	}
	return nil
}

// Book reserves provider time for a customer.
func (s *Service) Book(ctx context.Context, req BookRequest) (model.Appointment, error) {
	if err := req.validate(); err != nil {
		return model.Appointment{}, err
	}
	req.Urgency, _ = model.ParseUrgency(string(req.Urgency))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.Start.Before(s.now()) {
		return model.Appointment{}, fmt.Errorf("%w: start is in the past", model.ErrInvalidArgument)
	}
	pol, err := s.policies.Policy(ctx, req.BusinessID)
	if err != nil {
		return model.Appointment{}, classify(err)
	}

	var appt model.Appointment
	err = s.run(ctx, "book", lockKey(req.BusinessID, req.ProviderID), func(ctx context.Context, tx storage.Tx) error {
		if req.IdempotencyKey != "" {
			id, found, err := tx.GetIdempotencyKey(ctx, req.BusinessID, req.ProviderID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				appt, err = tx.GetAppointment(ctx, req.BusinessID, id)
				return err
			}
		}
		provider, err := tx.LoadProvider(ctx, req.BusinessID, req.ProviderID)
		if err != nil {
			return err
		}
		appt, err = s.bookLocked(ctx, tx, provider, pol, bookParams{
			CustomerID:  req.CustomerID,
			Start:       req.Start,
			Duration:    req.Duration,
			Urgency:     req.Urgency,
			AutoConfirm: !pol.RequireApproval,
			Actor:       req.Actor,
		})
		if err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			return tx.SaveIdempotencyKey(ctx, req.BusinessID, req.ProviderID, req.IdempotencyKey, appt.ID)
		}
		return nil
	})
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment booked",
		"business_id", appt.BusinessID,
		"provider_id", appt.ProviderID,
		"appointment_id", appt.ID,
		"status", appt.Status,
		"urgency", appt.Urgency,
	)
	return appt, nil
}

type bookParams struct {
	CustomerID  string
	Start       time.Time
	Duration    time.Duration
	Urgency     model.Urgency
	PreviousID  string
	AutoConfirm bool
	Actor       string
}

func (s *Service) bookLocked(ctx context.Context, tx storage.Tx, provider model.Provider, pol policy.Policy, p bookParams) (model.Appointment, error) {
	if !provider.IsActive {
		return model.Appointment{}, model.ErrProviderInactive
	}
	date := model.CivilDate(p.Start.In(provider.Location()))
	slots, err := tx.LoadSlots(ctx, provider.BusinessID, provider.ID, date)
	if err != nil {
		return model.Appointment{}, err
	}
	if len(slots) == 0 {
		if slots, err = s.generateLocked(ctx, tx, provider, date, pol); err != nil {
			return model.Appointment{}, err
		}
	}

	var slot *model.Slot
	for i := range slots {
		if slots[i].StartTime.Equal(p.Start) {
			slot = &slots[i]
			break
		}
	}

	duration := p.Duration
	switch {
	case slot != nil:
		if duration == 0 {
			duration = slot.Duration
		}
		if duration != slot.Duration {
			return model.Appointment{}, fmt.Errorf("%w: duration %s does not match slot duration %s", model.ErrSlotUnavailable, duration, slot.Duration)
		}
		if slot.EmergencyOnly && !p.Urgency.EmergencyEligible() {
			return model.Appointment{}, model.ErrSlotNotEmergencyEligible
		}
	case pol.AllowUnslotted:
		if duration == 0 {
			duration = provider.SlotDuration
		}
		if duration <= 0 {
			return model.Appointment{}, model.ErrInvalidDuration
		}
	default:
		return model.Appointment{}, fmt.Errorf("%w: no slot starts at %s", model.ErrSlotUnavailable, p.Start.Format(time.RFC3339))
	}

	return s.machine.Book(ctx, tx, booking.BookInput{
		BusinessID:            provider.BusinessID,
		ProviderID:            provider.ID,
		CustomerID:            p.CustomerID,
		Start:                 p.Start,
		Duration:              duration,
		Urgency:               p.Urgency,
		PreviousAppointmentID: p.PreviousID,
		Slot:                  slot,
		AutoConfirm:           p.AutoConfirm,
		Actor:                 p.Actor,
	})
}

type CancelRequest struct {
	BusinessID    string
	AppointmentID string
	Actor         string
	Reason        string
}

// Cancel is idempotent: cancelling a cancelled appointment returns it unchanged.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (model.Appointment, error) {
	if err := requireIDs("business_id", req.BusinessID, "appointment_id", req.AppointmentID); err != nil {
		return model.Appointment{}, err
	}
	pol, err := s.policies.Policy(ctx, req.BusinessID)
	if err != nil {
		return model.Appointment{}, classify(err)
	}
	return s.transition(ctx, "cancel", req.BusinessID, req.AppointmentID, func(ctx context.Context, tx storage.Tx, a model.Appointment) (model.Appointment, error) {
		if a.Status == model.StatusCancelled {
			return a, nil
		}
		return s.machine.Cancel(ctx, tx, a, req.Actor, req.Reason, pol.NoCancelWindow)
	})
}

type RescheduleRequest struct {
	BusinessID    string
	AppointmentID string
	NewStart      time.Time
	// NewDuration of zero keeps the current duration.
	NewDuration time.Duration
	Actor       string
}

// Reschedule cancels the appointment and books its replacement in one transaction. The new appointment
// keeps customer, urgency and approval state and points back through PreviousAppointmentID. If the new
// booking fails nothing changes.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (model.Appointment, error) {
	if err := requireIDs("business_id", req.BusinessID, "appointment_id", req.AppointmentID); err != nil {
		return model.Appointment{}, err
	}
	if req.NewStart.IsZero() {
		return model.Appointment{}, fmt.Errorf("%w: new start is required", model.ErrInvalidArgument)
	}
	if req.NewDuration < 0 {
		return model.Appointment{}, model.ErrInvalidDuration
	}
	if req.NewStart.Before(s.now()) {
		return model.Appointment{}, fmt.Errorf("%w: new start is in the past", model.ErrInvalidArgument)
	}
	pol, err := s.policies.Policy(ctx, req.BusinessID)
	if err != nil {
		return model.Appointment{}, classify(err)
	}

	var replacement model.Appointment
	_, err = s.transition(ctx, "reschedule", req.BusinessID, req.AppointmentID, func(ctx context.Context, tx storage.Tx, old model.Appointment) (model.Appointment, error) {
		if old.Status != model.StatusRequested && old.Status != model.StatusConfirmed {
			return model.Appointment{}, &model.TransitionError{From: old.Status, To: model.StatusCancelled, Reason: "only requested or confirmed appointments can be rescheduled"}
		}
		provider, err := tx.LoadProvider(ctx, old.BusinessID, old.ProviderID)
		if err != nil {
			return model.Appointment{}, err
		}
		cancelled, err := s.machine.Cancel(ctx, tx, old, req.Actor, "rescheduled", pol.NoCancelWindow)
		if err != nil {
			return model.Appointment{}, err
		}
		duration := req.NewDuration
		if duration == 0 {
			duration = old.Duration
		}
		replacement, err = s.bookLocked(ctx, tx, provider, pol, bookParams{
			CustomerID:  old.CustomerID,
			Start:       req.NewStart,
			Duration:    duration,
			Urgency:     old.Urgency,
			PreviousID:  old.ID,
			AutoConfirm: old.Status == model.StatusConfirmed,
			Actor:       req.Actor,
		})
		if err != nil {
			return model.Appointment{}, err
		}
		return cancelled, nil
	})
	if err != nil {
		return model.Appointment{}, err
	}
	return replacement, nil
}

func (s *Service) Confirm(ctx context.Context, businessID, appointmentID, actor string) (model.Appointment, error) {
	return s.transition(ctx, "confirm", businessID, appointmentID, func(ctx context.Context, tx storage.Tx, a model.Appointment) (model.Appointment, error) {
		return s.machine.Confirm(ctx, tx, a, actor)
	})
}

func (s *Service) Start(ctx context.Context, businessID, appointmentID, actor string) (model.Appointment, error) {
	return s.transition(ctx, "start", businessID, appointmentID, func(ctx context.Context, tx storage.Tx, a model.Appointment) (model.Appointment, error) {
		return s.machine.Start(ctx, tx, a, actor)
	})
}

func (s *Service) Complete(ctx context.Context, businessID, appointmentID, actor string) (model.Appointment, error) {
	return s.transition(ctx, "complete", businessID, appointmentID, func(ctx context.Context, tx storage.Tx, a model.Appointment) (model.Appointment, error) {
		return s.machine.Complete(ctx, tx, a, actor)
	})
}

func (s *Service) MarkNoShow(ctx context.Context, businessID, appointmentID, actor string) (model.Appointment, error) {
	return s.transition(ctx, "no_show", businessID, appointmentID, func(ctx context.Context, tx storage.Tx, a model.Appointment) (model.Appointment, error) {
		return s.machine.MarkNoShow(ctx, tx, a, actor)
	})
}

// PurgeAppointment hard-deletes an appointment. Administrative use only.
func (s *Service) PurgeAppointment(ctx context.Context, businessID, appointmentID, actor string) error {
	_, err := s.transition(ctx, "purge", businessID, appointmentID, func(ctx context.Context, tx storage.Tx, a model.Appointment) (model.Appointment, error) {
		return a, s.machine.Purge(ctx, tx, a, actor)
	})
	if err == nil {
		s.logger.Warn("appointment purged", "business_id", businessID, "appointment_id", appointmentID, "actor", actor)
	}
	return err
}

// transition locks the appointment's provider, re-reads the appointment inside the transaction and applies fn.
func (s *Service) transition(ctx context.Context, op, businessID, appointmentID string, fn func(ctx context.Context, tx storage.Tx, a model.Appointment) (model.Appointment, error)) (model.Appointment, error) {
	if err := requireIDs("business_id", businessID, "appointment_id", appointmentID); err != nil {
		return model.Appointment{}, err
	}
	current, err := s.store.FindAppointment(ctx, businessID, appointmentID)
	if err != nil {
		return model.Appointment{}, classify(err)
	}

	var out model.Appointment
	err = s.run(ctx, op, lockKey(businessID, current.ProviderID), func(ctx context.Context, tx storage.Tx) error {
		a, err := tx.GetAppointment(ctx, businessID, appointmentID)
		if err != nil {
			return err
		}
		out, err = fn(ctx, tx, a)
		return err
	})
	if err != nil {
		return model.Appointment{}, err
	}
	if op != "purge" {
		s.logger.Info("appointment transitioned", "op", op, "business_id", businessID, "appointment_id", appointmentID, "status", out.Status)
	}
	return out, nil
}

func (s *Service) GetAppointment(ctx context.Context, businessID, appointmentID string) (model.Appointment, error) {
	if err := requireIDs("business_id", businessID, "appointment_id", appointmentID); err != nil {
		return model.Appointment{}, err
	}
	a, err := s.store.FindAppointment(ctx, businessID, appointmentID)
	if err != nil {
		return model.Appointment{}, classify(err)
	}
	return a, nil
}

func (s *Service) ListAppointments(ctx context.Context, filter storage.AppointmentFilter) ([]model.Appointment, error) {
	if err := requireIDs("business_id", filter.BusinessID); err != nil {
		return nil, err
	}
	out, err := s.store.ListAppointments(ctx, filter)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}
