package quota

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
)

// DefaultMinFraction is the share of a day's slots held back for emergencies.
var DefaultMinFraction = decimal.RequireFromString("0.30")

// Required returns ceil(fraction * total), clamped to [0, total].
func Required(total int, fraction decimal.Decimal) int {
	if total <= 0 || !fraction.IsPositive() {
		return 0
	}
	n := int(fraction.Mul(decimal.NewFromInt(int64(total))).Ceil().IntPart())
	if n > total {
		return total
	}
	return n
}

// Enforce flags slots emergency-only until at least fraction of all the day's slots carry the flag.
// Emergency slots count toward the quota whether or not they are booked, so consuming one never pulls
// another regular slot into the reserve. Only bookable regular slots are converted, earliest-first. It
// returns the updated day and the slots that were converted.
func Enforce(slots []model.Slot, fraction decimal.Decimal) ([]model.Slot, []model.Slot) {
	out := append([]model.Slot(nil), slots...)

	var emergency int
	var candidates []int
	for i, s := range out {
		switch {
		case s.EmergencyOnly:
			emergency++
		case s.Bookable():
			candidates = append(candidates, i)
		}
	}

	missing := Required(len(out), fraction) - emergency
	if missing <= 0 {
		return out, nil
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return out[candidates[a]].StartTime.Before(out[candidates[b]].StartTime)
	})
	converted := make([]model.Slot, 0, missing)
	for _, i := range candidates[:min(missing, len(candidates))] {
		out[i].EmergencyOnly = true
		converted = append(converted, out[i])
	}
	return out, converted
}
