// Package schedule holds the pure scheduling core: interval subtraction,
// slot generation and slot aggregation. Nothing in here touches the
// database or the calendar provider.
package schedule

import (
	"fmt"
	"time"
)

// Interval is a half-open [Start, End) span of civil time.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}

// Overlaps reports whether iv and other share any point. Intervals that
// merely touch at a boundary do not overlap.
func (iv Interval) Overlaps(other Interval) bool {
	return other.Start.Before(iv.End) && other.End.After(iv.Start)
}

// Valid reports whether the interval has positive length.
func (iv Interval) Valid() bool {
	return iv.Start.Before(iv.End)
}

// Subtract removes every overlapping portion of every busy interval from the
// availability intervals. Availability must be sorted and non-overlapping;
// busy intervals arrive in arbitrary order and are processed in input order,
// so a later busy interval may intersect a fragment produced by an earlier
// split. As long as the busy intervals do not overlap each other, the result
// is independent of their order.
func Subtract(avail []Interval, busy []Interval) []Interval {
	out := make([]Interval, len(avail))
	copy(out, avail)

	for _, b := range busy {
		if !b.Valid() {
			continue
		}
		out = subtractOne(out, b)
	}
	return out
}

func subtractOne(avail []Interval, b Interval) []Interval {
	out := make([]Interval, 0, len(avail)+1)

	for _, a := range avail {
		if !a.Overlaps(b) {
			out = append(out, a)
			continue
		}

		coversStart := !b.Start.After(a.Start)
		coversEnd := !b.End.Before(a.End)

		switch {
		case coversStart && coversEnd:
			// Fully booked, interval disappears.
		case coversStart:
			out = append(out, Interval{Start: b.End, End: a.End})
		case coversEnd:
			out = append(out, Interval{Start: a.Start, End: b.Start})
		default:
			// Busy sits strictly inside, split in two.
			out = append(out, Interval{Start: a.Start, End: b.Start})
			out = append(out, Interval{Start: b.End, End: a.End})
		}
	}
	return out
}
