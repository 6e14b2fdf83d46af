package schedule

import "time"

// DefaultSlotDuration is the booking granularity used when a caller does not
// ask for a specific duration.
const DefaultSlotDuration = 30 * time.Minute

// SlotIter walks a free interval and emits duration-aligned bookable slots.
// It is lazy, finite and non-restartable.
type SlotIter struct {
	cursor time.Time
	end    time.Time
	d      time.Duration
}

// SlotsWithin returns an iterator over the boundary-aligned slots inside the
// free interval. The interval start is rounded up to the next multiple of the
// duration's minutes, with seconds truncated, so a 30-minute duration only
// ever yields starts at minute 0 or 30. A free interval shorter than one
// duration yields nothing.
func SlotsWithin(free Interval, d time.Duration) *SlotIter {
	if d <= 0 {
		d = DefaultSlotDuration
	}
	return &SlotIter{
		cursor: alignUp(free.Start, d),
		end:    free.End,
		d:      d,
	}
}

// Next returns the next slot, or false once the free interval is exhausted.
func (it *SlotIter) Next() (Interval, bool) {
	next := it.cursor.Add(it.d)
	if next.After(it.end) {
		return Interval{}, false
	}
	slot := Interval{Start: it.cursor, End: next}
	it.cursor = next
	return slot, true
}

// Collect drains the iterator into a slice.
func (it *SlotIter) Collect() []Interval {
	var out []Interval
	for {
		s, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

// alignUp truncates sub-minute precision and rounds the minute up to the next
// multiple of d.
func alignUp(t time.Time, d time.Duration) time.Time {
	t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())

	step := int(d / time.Minute)
	if step <= 0 {
		return t
	}
	if rem := t.Minute() % step; rem != 0 {
		t = t.Add(time.Duration(step-rem) * time.Minute)
	}
	return t
}
