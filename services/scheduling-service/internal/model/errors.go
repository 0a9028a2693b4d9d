package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoRuleConfigured         = errors.New("no availability rule configured")
	ErrInvalidDuration          = errors.New("invalid slot duration")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrSlotUnavailable          = errors.New("slot unavailable")
	ErrSlotNotEmergencyEligible = errors.New("slot reserved for emergencies")
	ErrConflict                 = errors.New("time conflicts with an existing appointment")
	ErrAtomicityFailure         = errors.New("transaction could not be completed atomically")
	ErrNotFound                 = errors.New("not found")
	ErrProviderInactive         = errors.New("provider inactive")
	ErrInvalidArgument          = errors.New("invalid argument")
)

// TimeUnavailableMessage is what callers show when a requested time was taken.
const TimeUnavailableMessage = "this time is no longer available, please choose another"

// IsTimeUnavailable groups the outcomes a user experiences as "that time is gone".
func IsTimeUnavailable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrSlotUnavailable)
}

type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s -> %s: %s", ErrInvalidTransition, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type ConflictError struct {
	ProviderID string
	Start      time.Time
	End        time.Time
	ExistingID string
}

func (e *ConflictError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("%s: provider %s [%s, %s)", ErrConflict, e.ProviderID,
			e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s: provider %s [%s, %s) overlaps appointment %s", ErrConflict, e.ProviderID,
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.ExistingID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
