package availability

import (
	"sort"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
)

// Generate walks each interval in steps of duration and returns the steps that fit entirely.
// A trailing remainder shorter than duration is dropped.
func Generate(intervals []model.Interval, duration time.Duration) ([]model.Interval, error) {
	if duration <= 0 {
		return nil, model.ErrInvalidDuration
	}
	var out []model.Interval
	for _, iv := range intervals {
		for t := iv.Start; !t.Add(duration).After(iv.End); t = t.Add(duration) {
			out = append(out, model.Interval{Start: t, End: t.Add(duration)})
		}
	}
	return out, nil
}

// Day identifies the slots of one provider on one calendar date.
type Day struct {
	BusinessID string
	ProviderID string
	Date       time.Time
	Duration   time.Duration
}

type ReconcileResult struct {
	// Slots is the full set for the day after reconciliation, ordered by start.
	Slots []model.Slot
	// Changed holds new slots and unbound slots whose duration was updated.
	Changed []model.Slot
	// Retired holds unbound slots whose start time no longer exists.
	Retired []model.Slot
}

// Reconcile merges freshly generated candidates into the persisted slots of day, matching by start time.
// Slots bound to an appointment are kept exactly as they are, even when their time was closed.
func Reconcile(day Day, existing []model.Slot, candidates []model.Interval, now time.Time, newID func() string) ReconcileResult {
	wanted := make(map[int64]model.Interval, len(candidates))
	for _, c := range candidates {
		wanted[c.Start.UnixNano()] = c
	}

	var res ReconcileResult
	seen := make(map[int64]bool, len(existing))
	for _, s := range existing {
		key := s.StartTime.UnixNano()
		if seen[key] {
			if s.AppointmentID == "" {
				res.Retired = append(res.Retired, s)
			} else {
				res.Slots = append(res.Slots, s)
			}
			continue
		}
		seen[key] = true

		c, ok := wanted[key]
		switch {
		case s.AppointmentID != "":
			res.Slots = append(res.Slots, s)
		case !ok:
			res.Retired = append(res.Retired, s)
		case c.Duration() != s.Duration:
			s.Duration = c.Duration()
			s.UpdatedAt = now
			res.Slots = append(res.Slots, s)
			res.Changed = append(res.Changed, s)
		default:
			res.Slots = append(res.Slots, s)
		}
	}

	for _, c := range candidates {
		if seen[c.Start.UnixNano()] {
			continue
		}
		seen[c.Start.UnixNano()] = true
		s := model.Slot{
			ID:          newID(),
			BusinessID:  day.BusinessID,
			ProviderID:  day.ProviderID,
			Date:        model.CivilDate(day.Date),
			StartTime:   c.Start,
			Duration:    c.Duration(),
			IsAvailable: true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		res.Slots = append(res.Slots, s)
		res.Changed = append(res.Changed, s)
	}

	sort.Slice(res.Slots, func(i, j int) bool { return res.Slots[i].StartTime.Before(res.Slots[j].StartTime) })
	return res
}
