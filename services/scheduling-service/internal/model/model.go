package model

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusRequested  Status = "requested"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusRequested, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, raw)
}

// Active reports whether the appointment still holds provider time.
func (s Status) Active() bool {
	return s != StatusCancelled
}

type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyNormal    Urgency = "normal"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

// ParseUrgency defaults an empty value to normal.
func ParseUrgency(raw string) (Urgency, error) {
	u := Urgency(strings.ToLower(strings.TrimSpace(raw)))
	switch u {
	case "":
		return UrgencyNormal, nil
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyEmergency:
		return u, nil
	}
	return "", fmt.Errorf("%w: unknown urgency %q", ErrInvalidArgument, raw)
}

// EmergencyEligible reports whether the urgency may consume emergency-only slots.
func (u Urgency) EmergencyEligible() bool {
	return u == UrgencyHigh || u == UrgencyEmergency
}

type Provider struct {
	ID           string
	BusinessID   string
	Name         string
	IsActive     bool
	SlotDuration time.Duration
	Timezone     string
	CreatedAt    time.Time
}

// Location resolves the provider timezone, falling back to UTC.
func (p Provider) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Window is a [StartMinute, EndMinute) range in minutes after local midnight.
type Window struct {
	StartMinute int
	EndMinute   int
}

func (w Window) Valid() bool {
	return w.StartMinute >= 0 && w.EndMinute <= 24*60 && w.StartMinute < w.EndMinute
}

type AvailabilityRule struct {
	ID            string
	BusinessID    string
	ProviderID    string
	Weekday       time.Weekday
	StartMinute   int
	EndMinute     int
	Breaks        []Window
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	IsActive      bool
	CreatedAt     time.Time
}

// AppliesOn reports whether the rule is active, matches the weekday and is effective on date.
// Effective bounds are compared as calendar dates.
func (r AvailabilityRule) AppliesOn(date time.Time) bool {
	if !r.IsActive || date.Weekday() != r.Weekday {
		return false
	}
	day := DateOf(date)
	if !r.EffectiveFrom.IsZero() && day.Before(DateOf(r.EffectiveFrom)) {
		return false
	}
	if r.EffectiveTo != nil && day.After(DateOf(*r.EffectiveTo)) {
		return false
	}
	return true
}

func (r AvailabilityRule) Validate() error {
	if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
		return fmt.Errorf("%w: weekday out of range", ErrInvalidArgument)
	}
	if !(Window{StartMinute: r.StartMinute, EndMinute: r.EndMinute}).Valid() {
		return fmt.Errorf("%w: working window must satisfy 0 <= start < end <= 1440", ErrInvalidArgument)
	}
	for _, b := range r.Breaks {
		if !b.Valid() {
			return fmt.Errorf("%w: invalid break window %d-%d", ErrInvalidArgument, b.StartMinute, b.EndMinute)
		}
	}
	if r.EffectiveTo != nil && DateOf(*r.EffectiveTo).Before(DateOf(r.EffectiveFrom)) {
		return fmt.Errorf("%w: effective_to before effective_from", ErrInvalidArgument)
	}
	return nil
}

type BlockedDay struct {
	ID          string
	BusinessID  string
	ProviderID  string
	Date        time.Time
	AllDay      bool
	StartMinute int
	EndMinute   int
	Reason      string
	CreatedAt   time.Time
}

func (b BlockedDay) Window() Window {
	if b.AllDay {
		return Window{StartMinute: 0, EndMinute: 24 * 60}
	}
	return Window{StartMinute: b.StartMinute, EndMinute: b.EndMinute}
}

type Slot struct {
	ID            string
	BusinessID    string
	ProviderID    string
	Date          time.Time
	StartTime     time.Time
	Duration      time.Duration
	IsAvailable   bool
	EmergencyOnly bool
	// AppointmentID is set while an appointment holds the slot, either pre-reserved by a
	// requested appointment or occupied by a confirmed one.
	AppointmentID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s Slot) End() time.Time {
	return s.StartTime.Add(s.Duration)
}

// Bookable reports whether a new appointment may take the slot.
func (s Slot) Bookable() bool {
	return s.IsAvailable && s.AppointmentID == ""
}

// VisibleTo reports whether the slot should be offered to a caller of the given urgency.
func (s Slot) VisibleTo(u Urgency) bool {
	return s.Bookable() && (!s.EmergencyOnly || u.EmergencyEligible())
}

type Appointment struct {
	ID                    string
	BusinessID            string
	ProviderID            string
	CustomerID            string
	SlotID                string
	StartTime             time.Time
	Duration              time.Duration
	Status                Status
	Urgency               Urgency
	CancelReason          string
	CancelledBy           string
	CancelledAt           *time.Time
	LateCancellation      bool
	PreviousAppointmentID string
	ConfirmedAt           *time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (a Appointment) End() time.Time {
	return a.StartTime.Add(a.Duration)
}

func (a Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, End: a.End()}
}

// Interval is a half-open [Start, End) time range.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// DateOf truncates t to midnight in its own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// CivilDate keeps the calendar date of t and pins it to UTC midnight, the form dates are stored in.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MinuteOf returns the wall-clock instant minute minutes after midnight of date's calendar day in loc.
func MinuteOf(date time.Time, loc *time.Location, minute int) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, minute/60, minute%60, 0, 0, loc)
}

// SameDate compares calendar dates, ignoring location.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

const DateLayout = "2006-01-02"

func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidArgument)
	}
	return t, nil
}
