package handlers

import (
	"time"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/policy"
)

type bookRequest struct {
	ProviderID      string    `json:"provider_id" validate:"required,max=128"`
	CustomerID      string    `json:"customer_id" validate:"required,max=128"`
	StartTime       time.Time `json:"start_time" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"gte=0,lte=1440"`
	Urgency         string    `json:"urgency" validate:"omitempty,oneof=low normal high emergency"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

type rescheduleRequest struct {
	StartTime       time.Time `json:"start_time" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"gte=0,lte=1440"`
}

type generateRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
}

type providerRequest struct {
	Name                string `json:"name" validate:"max=256"`
	SlotDurationMinutes int    `json:"slot_duration_minutes" validate:"required,gt=0,lte=1440"`
	Timezone            string `json:"timezone" validate:"omitempty,timezone"`
	IsActive            *bool  `json:"is_active"`
}

type windowDTO struct {
	StartMinute int `json:"start_minute" validate:"gte=0,lt=1440"`
	EndMinute   int `json:"end_minute" validate:"gt=0,lte=1440,gtfield=StartMinute"`
}

type ruleRequest struct {
	Weekday       *int        `json:"weekday" validate:"required,gte=0,lte=6"`
	StartMinute   int         `json:"start_minute" validate:"gte=0,lt=1440"`
	EndMinute     int         `json:"end_minute" validate:"gt=0,lte=1440,gtfield=StartMinute"`
	Breaks        []windowDTO `json:"breaks" validate:"dive"`
	EffectiveFrom string      `json:"effective_from" validate:"omitempty,datetime=2006-01-02"`
	EffectiveTo   string      `json:"effective_to" validate:"omitempty,datetime=2006-01-02"`
}

type blockedDayRequest struct {
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	AllDay      bool   `json:"all_day"`
	StartMinute int    `json:"start_minute" validate:"gte=0,lte=1440"`
	EndMinute   int    `json:"end_minute" validate:"gte=0,lte=1440"`
	Reason      string `json:"reason" validate:"max=512"`
}

type policyRequest struct {
	EmergencyFraction     string `json:"emergency_fraction" validate:"required,numeric"`
	NoCancelWindowMinutes int    `json:"no_cancel_window_minutes" validate:"gte=0"`
	RequireApproval       bool   `json:"require_approval"`
	AllowUnslotted        bool   `json:"allow_unslotted"`
}

type slotResponse struct {
	ID              string `json:"id"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationMinutes int    `json:"duration_minutes"`
	EmergencyOnly   bool   `json:"emergency_only"`
	Available       bool   `json:"available"`
}

type appointmentResponse struct {
	ID                    string `json:"id"`
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
	CancelledAt           string `json:"cancelled_at,omitempty"`
	LateCancellation      bool   `json:"late_cancellation,omitempty"`
	CreatedAt             string `json:"created_at"`
}

type intervalResponse struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type providerResponse struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	SlotDurationMinutes int    `json:"slot_duration_minutes"`
	Timezone            string `json:"timezone"`
	IsActive            bool   `json:"is_active"`
}

type ruleResponse struct {
	ID            string      `json:"id"`
	Weekday       int         `json:"weekday"`
	StartMinute   int         `json:"start_minute"`
	EndMinute     int         `json:"end_minute"`
	Breaks        []windowDTO `json:"breaks,omitempty"`
	EffectiveFrom string      `json:"effective_from"`
	EffectiveTo   string      `json:"effective_to,omitempty"`
	IsActive      bool        `json:"is_active"`
}

type blockedDayResponse struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	AllDay      bool   `json:"all_day"`
	StartMinute int    `json:"start_minute,omitempty"`
	EndMinute   int    `json:"end_minute,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type policyResponse struct {
	EmergencyFraction     string `json:"emergency_fraction"`
	NoCancelWindowMinutes int    `json:"no_cancel_window_minutes"`
	RequireApproval       bool   `json:"require_approval"`
	AllowUnslotted        bool   `json:"allow_unslotted"`
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toSlot(s model.Slot) slotResponse {
	return slotResponse{
		ID:              s.ID,
		StartTime:       rfc3339(s.StartTime),
		EndTime:         rfc3339(s.End()),
		DurationMinutes: int(s.Duration / time.Minute),
		EmergencyOnly:   s.EmergencyOnly,
		Available:       s.Bookable(),
	}
}

func toAppointment(a model.Appointment) appointmentResponse {
	out := appointmentResponse{
		ID:                    a.ID,
		BusinessID:            a.BusinessID,
		ProviderID:            a.ProviderID,
		CustomerID:            a.CustomerID,
		SlotID:                a.SlotID,
		StartTime:             rfc3339(a.StartTime),
		EndTime:               rfc3339(a.End()),
		Status:                string(a.Status),
		Urgency:               string(a.Urgency),
		PreviousAppointmentID: a.PreviousAppointmentID,
		CancelReason:          a.CancelReason,
		CancelledBy:           a.CancelledBy,
		LateCancellation:      a.LateCancellation,
		CreatedAt:             rfc3339(a.CreatedAt),
	}
	if a.CancelledAt != nil {
		out.CancelledAt = rfc3339(*a.CancelledAt)
	}
	return out
}

func toProvider(p model.Provider) providerResponse {
	return providerResponse{
		ID:                  p.ID,
		Name:                p.Name,
		SlotDurationMinutes: int(p.SlotDuration / time.Minute),
		Timezone:            p.Timezone,
		IsActive:            p.IsActive,
	}
}

func toRule(r model.AvailabilityRule) ruleResponse {
	out := ruleResponse{
		ID:            r.ID,
		Weekday:       int(r.Weekday),
		StartMinute:   r.StartMinute,
		EndMinute:     r.EndMinute,
		EffectiveFrom: r.EffectiveFrom.Format(model.DateLayout),
		IsActive:      r.IsActive,
	}
	for _, b := range r.Breaks {
		out.Breaks = append(out.Breaks, windowDTO{StartMinute: b.StartMinute, EndMinute: b.EndMinute})
	}
	if r.EffectiveTo != nil {
		out.EffectiveTo = r.EffectiveTo.Format(model.DateLayout)
	}
	return out
}

func toBlockedDay(b model.BlockedDay) blockedDayResponse {
	out := blockedDayResponse{ID: b.ID, Date: b.Date.Format(model.DateLayout), AllDay: b.AllDay, Reason: b.Reason}
	if !b.AllDay {
		out.StartMinute, out.EndMinute = b.StartMinute, b.EndMinute
	}
	return out
}

func toPolicy(p policy.Policy) policyResponse {
	return policyResponse{
		EmergencyFraction:     p.EmergencyFraction.String(),
		NoCancelWindowMinutes: int(p.NoCancelWindow / time.Minute),
		RequireApproval:       p.RequireApproval,
		AllowUnslotted:        p.AllowUnslotted,
	}
}
