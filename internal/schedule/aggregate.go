package schedule

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chipatara/clinic-scheduling/internal/civiltime"
)

var (
	// ErrNoAvailability means no bookable slot survived filtering. This is a
	// business condition, not a system failure.
	ErrNoAvailability = errors.New("no availability for the requested range")

	// ErrUnevenSplit means the requested count cannot be spread evenly over
	// the requested dates.
	ErrUnevenSplit = errors.New("requested count must divide evenly across the requested dates")
)

// Slot is a bookable unit of one provider's free time.
type Slot struct {
	ProviderID uuid.UUID
	Start      time.Time
	End        time.Time
}

// ProviderSlots carries one provider's generated slots into aggregation.
// Callers pass providers in a deterministic order; on duplicate start times
// the earlier provider in the input wins.
type ProviderSlots struct {
	ProviderID uuid.UUID
	Slots      []Interval
}

// StartKey is the identity of a slot for decline tracking and deduplication:
// its start instant rendered in civil time.
func StartKey(t time.Time) string {
	return civiltime.In(t).Format(time.RFC3339)
}

// DeclinedSet builds the decline filter from previously declined slot starts.
func DeclinedSet(starts []time.Time) map[string]struct{} {
	set := make(map[string]struct{}, len(starts))
	for _, s := range starts {
		set[StartKey(s)] = struct{}{}
	}
	return set
}

// Aggregate merges slots from many providers into one date-ordered,
// deduplicated list.
//
// Declined slots are dropped by start time. When dates are given, slots
// outside those civil dates are dropped and count must divide evenly by the
// number of dates; the result then balances count/len(dates) slots per date,
// preserving per-date ordering. Without dates, the first count slots are
// returned.
func Aggregate(providers []ProviderSlots, declined map[string]struct{}, dates []string, count int) ([]Slot, error) {
	if len(dates) > 0 && count%len(dates) != 0 {
		return nil, ErrUnevenSplit
	}

	wantDate := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		wantDate[d] = struct{}{}
	}

	var flat []Slot
	for _, p := range providers {
		for _, iv := range p.Slots {
			if _, skip := declined[StartKey(iv.Start)]; skip {
				continue
			}
			if len(wantDate) > 0 {
				if _, ok := wantDate[civiltime.Date(iv.Start)]; !ok {
					continue
				}
			}
			flat = append(flat, Slot{ProviderID: p.ProviderID, Start: iv.Start, End: iv.End})
		}
	}

	sort.SliceStable(flat, func(i, j int) bool {
		return flat[i].Start.Before(flat[j].Start)
	})

	deduped := flat[:0]
	seen := make(map[string]struct{}, len(flat))
	for _, s := range flat {
		key := StartKey(s.Start)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, s)
	}

	if len(deduped) == 0 {
		return nil, ErrNoAvailability
	}

	if len(dates) == 0 {
		if count > 0 && len(deduped) > count {
			deduped = deduped[:count]
		}
		return deduped, nil
	}

	perDate := count / len(dates)
	byDate := make(map[string][]Slot, len(dates))
	for _, s := range deduped {
		d := civiltime.Date(s.Start)
		if len(byDate[d]) < perDate {
			byDate[d] = append(byDate[d], s)
		}
	}

	ordered := append([]string(nil), dates...)
	sort.Strings(ordered)

	var out []Slot
	for _, d := range ordered {
		out = append(out, byDate[d]...)
	}
	if len(out) == 0 {
		return nil, ErrNoAvailability
	}
	return out, nil
}
