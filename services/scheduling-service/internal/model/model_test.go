package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUrgency(t *testing.T) {
	u, err := ParseUrgency("")
	require.NoError(t, err)
	assert.Equal(t, UrgencyNormal, u)

	u, err = ParseUrgency(" HIGH ")
	require.NoError(t, err)
	assert.True(t, u.EmergencyEligible())
	assert.True(t, UrgencyEmergency.EmergencyEligible())
	assert.False(t, UrgencyLow.EmergencyEligible())
	assert.False(t, UrgencyNormal.EmergencyEligible())

	_, err = ParseUrgency("critical")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRuleAppliesOn(t *testing.T) {
	to := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	r := AvailabilityRule{
		Weekday:       time.Monday,
		StartMinute:   9 * 60,
		EndMinute:     17 * 60,
		EffectiveFrom: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		EffectiveTo:   &to,
		IsActive:      true,
	}
	assert.True(t, r.AppliesOn(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))
	assert.True(t, r.AppliesOn(time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)))
	assert.False(t, r.AppliesOn(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)), "tuesday")
	assert.False(t, r.AppliesOn(time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC)), "after effective_to")

	r.IsActive = false
	assert.False(t, r.AppliesOn(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))
}

func TestRuleValidate(t *testing.T) {
	r := AvailabilityRule{Weekday: time.Monday, StartMinute: 600, EndMinute: 540}
	assert.ErrorIs(t, r.Validate(), ErrInvalidArgument)

	r = AvailabilityRule{Weekday: time.Monday, StartMinute: 540, EndMinute: 720, Breaks: []Window{{StartMinute: 600, EndMinute: 600}}}
	assert.ErrorIs(t, r.Validate(), ErrInvalidArgument)

	r.Breaks = []Window{{StartMinute: 600, EndMinute: 630}}
	assert.NoError(t, r.Validate())
}

func TestSlotBookable(t *testing.T) {
	s := Slot{IsAvailable: true}
	assert.True(t, s.Bookable())
	assert.True(t, s.VisibleTo(UrgencyLow))

	s.EmergencyOnly = true
	assert.False(t, s.VisibleTo(UrgencyLow))
	assert.True(t, s.VisibleTo(UrgencyEmergency))

	s.AppointmentID = "appt-1"
	assert.False(t, s.Bookable(), "pre-reserved slot")
}

func TestIntervalOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a := Interval{Start: base, End: base.Add(30 * time.Minute)}
	assert.True(t, a.Overlaps(Interval{Start: base.Add(15 * time.Minute), End: base.Add(45 * time.Minute)}))
	assert.False(t, a.Overlaps(Interval{Start: base.Add(30 * time.Minute), End: base.Add(time.Hour)}), "touching ends")
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = &ConflictError{ProviderID: "p1", ExistingID: "a1"}
	wrapped := fmt.Errorf("book: %w", err)
	assert.ErrorIs(t, wrapped, ErrConflict)
	assert.True(t, IsTimeUnavailable(wrapped))
	assert.True(t, IsTimeUnavailable(ErrSlotUnavailable))
	assert.False(t, IsTimeUnavailable(ErrSlotNotEmergencyEligible))

	err = &TransitionError{From: StatusCompleted, To: StatusConfirmed}
	assert.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatusCompleted, te.From)
}

func TestMinuteOfAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// 2026-03-08 is the spring-forward day in New York.
	got := MinuteOf(time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), loc, 9*60)
	assert.Equal(t, 9, got.Hour())
	assert.Equal(t, 8, got.Day())
}
