package availability

import (
	"sort"
	"time"

	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
)

// SelectRule picks the rule governing date. Newer rules supersede older ones: the latest
// EffectiveFrom wins, then the latest CreatedAt.
func SelectRule(rules []model.AvailabilityRule, date time.Time) (model.AvailabilityRule, bool) {
	var (
		best  model.AvailabilityRule
		found bool
	)
	for _, r := range rules {
		if !r.AppliesOn(date) {
			continue
		}
		if !found ||
			r.EffectiveFrom.After(best.EffectiveFrom) ||
			(r.EffectiveFrom.Equal(best.EffectiveFrom) && r.CreatedAt.After(best.CreatedAt)) {
			best = r
			found = true
		}
	}
	return best, found
}

// Resolve returns the ordered open intervals of date, with rule minutes interpreted in loc.
// Breaks and partial blocks are subtracted; an all-day block yields no intervals.
func Resolve(rules []model.AvailabilityRule, blocked []model.BlockedDay, date time.Time, loc *time.Location) ([]model.Interval, error) {
	if loc == nil {
		loc = time.UTC
	}
	rule, ok := SelectRule(rules, date)
	if !ok {
		return nil, model.ErrNoRuleConfigured
	}

	holes := make([]model.Window, 0, len(rule.Breaks)+len(blocked))
	holes = append(holes, rule.Breaks...)
	for _, b := range blocked {
		if !model.SameDate(b.Date, date) {
			continue
		}
		if b.AllDay {
			return nil, nil
		}
		holes = append(holes, b.Window())
	}

	base := model.Interval{
		Start: model.MinuteOf(date, loc, rule.StartMinute),
		End:   model.MinuteOf(date, loc, rule.EndMinute),
	}
	cuts := make([]model.Interval, 0, len(holes))
	for _, h := range holes {
		cuts = append(cuts, model.Interval{
			Start: model.MinuteOf(date, loc, h.StartMinute),
			End:   model.MinuteOf(date, loc, h.EndMinute),
		})
	}
	return Subtract(base, cuts), nil
}

// Subtract removes every cut from base and returns the remaining non-empty pieces in order.
func Subtract(base model.Interval, cuts []model.Interval) []model.Interval {
	if !base.End.After(base.Start) {
		return nil
	}
	var clipped []model.Interval
	for _, c := range cuts {
		s, e := c.Start, c.End
		if !e.After(base.Start) || !s.Before(base.End) {
			continue
		}
		if s.Before(base.Start) {
			s = base.Start
		}
		if e.After(base.End) {
			e = base.End
		}
		if e.After(s) {
			clipped = append(clipped, model.Interval{Start: s, End: e})
		}
	}
	if len(clipped) == 0 {
		return []model.Interval{base}
	}

	merged := merge(clipped)
	var out []model.Interval
	cur := base.Start
	for _, m := range merged {
		if m.Start.After(cur) {
			out = append(out, model.Interval{Start: cur, End: m.Start})
		}
		if m.End.After(cur) {
			cur = m.End
		}
	}
	if base.End.After(cur) {
		out = append(out, model.Interval{Start: cur, End: base.End})
	}
	return out
}

func merge(in []model.Interval) []model.Interval {
	sort.Slice(in, func(i, j int) bool { return in[i].Start.Before(in[j].Start) })
	merged := make([]model.Interval, 0, len(in))
	for _, cur := range in {
		if len(merged) == 0 {
			merged = append(merged, cur)
			continue
		}
		last := &merged[len(merged)-1]
		if cur.Start.After(last.End) {
			merged = append(merged, cur)
			continue
		}
		if cur.End.After(last.End) {
			last.End = cur.End
		}
	}
	return merged
}
