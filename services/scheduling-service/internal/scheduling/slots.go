package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/availability"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/policy"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/quota"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

// EnsureSlotsGenerated generates and reconciles the provider's slots for date, then enforces the
// emergency quota. Re-running it for the same day changes nothing unless availability changed.
func (s *Service) EnsureSlotsGenerated(ctx context.Context, businessID, providerID string, date time.Time) ([]model.Slot, error) {
	if err := requireIDs("business_id", businessID, "provider_id", providerID); err != nil {
		return nil, err
	}
	pol, err := s.policies.Policy(ctx, businessID)
	if err != nil {
		return nil, classify(err)
	}
	var slots []model.Slot
	err = s.run(ctx, "ensure_slots", lockKey(businessID, providerID), func(ctx context.Context, tx storage.Tx) error {
		provider, err := tx.LoadProvider(ctx, businessID, providerID)
		if err != nil {
			return err
		}
		slots, err = s.generateLocked(ctx, tx, provider, date, pol)
		return err
	})
	if err != nil {
		return nil, err
	}
	return slots, nil
}

func (s *Service) generateLocked(ctx context.Context, tx storage.Tx, provider model.Provider, date time.Time, pol policy.Policy) ([]model.Slot, error) {
	if !provider.IsActive {
		return nil, model.ErrProviderInactive
	}
	date = model.CivilDate(date)
	rules, err := tx.LoadRules(ctx, provider.BusinessID, provider.ID)
	if err != nil {
		return nil, err
	}
	blocked, err := tx.LoadBlockedDays(ctx, provider.BusinessID, provider.ID, date)
	if err != nil {
		return nil, err
	}
	existing, err := tx.LoadSlots(ctx, provider.BusinessID, provider.ID, date)
	if err != nil {
		return nil, err
	}

	intervals, err := availability.Resolve(rules, blocked, date, provider.Location())
	if err != nil && !errors.Is(err, model.ErrNoRuleConfigured) {
		return nil, err
	}
	candidates, err := availability.Generate(intervals, provider.SlotDuration)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := availability.Reconcile(availability.Day{
		BusinessID: provider.BusinessID,
		ProviderID: provider.ID,
		Date:       date,
		Duration:   provider.SlotDuration,
	}, existing, candidates, now, s.newID)

	final, converted := quota.Enforce(res.Slots, pol.EmergencyFraction)

	dirty := make(map[string]model.Slot, len(res.Changed)+len(converted))
	for _, sl := range res.Changed {
		dirty[sl.ID] = sl
	}
	for _, sl := range converted {
		sl.UpdatedAt = now
		dirty[sl.ID] = sl
	}
	if len(res.Retired) > 0 {
		ids := make([]string, 0, len(res.Retired))
		for _, sl := range res.Retired {
			ids = append(ids, sl.ID)
		}
		if err := tx.DeleteSlots(ctx, provider.BusinessID, ids...); err != nil {
			return nil, err
		}
	}
	if len(dirty) > 0 {
		toSave := make([]model.Slot, 0, len(dirty))
		for i := range final {
			if sl, ok := dirty[final[i].ID]; ok {
				final[i] = sl
				toSave = append(toSave, sl)
			}
		}
		if err := tx.SaveSlots(ctx, toSave...); err != nil {
			return nil, err
		}
	}

	if len(res.Changed) > 0 || len(res.Retired) > 0 || len(converted) > 0 {
		s.logger.Debug("slots reconciled",
			"business_id", provider.BusinessID,
			"provider_id", provider.ID,
			"date", date.Format(model.DateLayout),
			"total", len(final),
			"added", len(res.Changed),
			"retired", len(res.Retired),
			"emergency_converted", len(converted),
		)
	}
	return final, nil
}

// QueryAvailability lists the bookable future slots of date that a caller of urgency may take. Slots
// covered by an unslotted appointment are left out even though they are still flagged bookable.
func (s *Service) QueryAvailability(ctx context.Context, businessID, providerID string, date time.Time, urgency model.Urgency) ([]model.Slot, error) {
	if err := requireIDs("business_id", businessID, "provider_id", providerID); err != nil {
		return nil, err
	}
	pol, err := s.policies.Policy(ctx, businessID)
	if err != nil {
		return nil, classify(err)
	}
	var out []model.Slot
	err = s.run(ctx, "query_availability", lockKey(businessID, providerID), func(ctx context.Context, tx storage.Tx) error {
		provider, err := tx.LoadProvider(ctx, businessID, providerID)
		if err != nil {
			return err
		}
		slots, err := s.generateLocked(ctx, tx, provider, date, pol)
		if err != nil {
			return err
		}
		out = make([]model.Slot, 0, len(slots))
		if len(slots) == 0 {
			return nil
		}
		day := model.Interval{Start: slots[0].StartTime, End: slots[0].End()}
		for _, sl := range slots[1:] {
			if sl.StartTime.Before(day.Start) {
				day.Start = sl.StartTime
			}
			if sl.End().After(day.End) {
				day.End = sl.End()
			}
		}
		appts, err := tx.LoadActiveAppointments(ctx, businessID, providerID, day.Start, day.End)
		if err != nil {
			return err
		}

		now := s.now()
		for _, sl := range slots {
			if sl.StartTime.Before(now) || !sl.VisibleTo(urgency) || covered(sl, appts) {
				continue
			}
			out = append(out, sl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func covered(sl model.Slot, appts []model.Appointment) bool {
	iv := model.Interval{Start: sl.StartTime, End: sl.End()}
	for _, a := range appts {
		if a.Interval().Overlaps(iv) {
			return true
		}
	}
	return false
}

// ResolveAvailability returns the open intervals of date. A provider without a rule for that weekday
// yields ErrNoRuleConfigured, which callers present as "unavailable".
func (s *Service) ResolveAvailability(ctx context.Context, businessID, providerID string, date time.Time) ([]model.Interval, error) {
	if err := requireIDs("business_id", businessID, "provider_id", providerID); err != nil {
		return nil, err
	}
	var out []model.Interval
	err := s.run(ctx, "resolve_availability", lockKey(businessID, providerID), func(ctx context.Context, tx storage.Tx) error {
		provider, err := tx.LoadProvider(ctx, businessID, providerID)
		if err != nil {
			return err
		}
		if !provider.IsActive {
			return model.ErrProviderInactive
		}
		rules, err := tx.LoadRules(ctx, businessID, providerID)
		if err != nil {
			return err
		}
		blocked, err := tx.LoadBlockedDays(ctx, businessID, providerID, date)
		if err != nil {
			return err
		}
		out, err = availability.Resolve(rules, blocked, model.CivilDate(date), provider.Location())
		return err
	})
	return out, err
}
