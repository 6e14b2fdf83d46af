// Package civiltime pins every timestamp in the system to Harare civil time,
// a constant UTC+02:00 offset with no daylight-saving transitions.
package civiltime

import (
	"fmt"
	"time"
)

// OffsetSeconds is the fixed UTC offset for Harare time.
const OffsetSeconds = 2 * 60 * 60

// Location is the single civil timezone used across the system.
var Location = time.FixedZone("Africa/Harare", OffsetSeconds)

// Now returns the current time in the fixed civil zone.
func Now() time.Time {
	return time.Now().In(Location)
}

// In converts t into the fixed civil zone.
func In(t time.Time) time.Time {
	return t.In(Location)
}

// RequireOffset panics if t does not carry the +02:00 offset. Timestamps
// reaching the scheduling core without the civil offset indicate a
// programming error upstream, not a recoverable condition.
func RequireOffset(t time.Time) {
	_, off := t.Zone()
	if off != OffsetSeconds {
		panic(fmt.Sprintf("civiltime: timestamp %s lacks the +02:00 civil offset", t.Format(time.RFC3339)))
	}
}

// Date returns the civil date portion of t, the first ten characters of the
// RFC 3339 rendering (YYYY-MM-DD). Slot date filtering and balancing key on
// this value.
func Date(t time.Time) string {
	return In(t).Format("2006-01-02")
}

// ParseDayMonthYear parses user-entered DD/MM/YYYY input into a civil date.
// The time component is midnight in the fixed zone.
func ParseDayMonthYear(s string) (time.Time, error) {
	t, err := time.ParseInLocation("02/01/2006", s, Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a valid DD/MM/YYYY date: %q", s)
	}
	return t, nil
}

// ParseWeekdayCode maps a two-letter weekday code (MO..SU) back to a Go
// weekday.
func ParseWeekdayCode(code string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if WeekdayCode(d) == code {
			return d, nil
		}
	}
	return 0, fmt.Errorf("not a weekday code: %q", code)
}

// WeekdayCode maps a Go weekday to the two-letter code used by weekly
// recurrence rules (RRULE BYDAY).
func WeekdayCode(d time.Weekday) string {
	switch d {
	case time.Monday:
		return "MO"
	case time.Tuesday:
		return "TU"
	case time.Wednesday:
		return "WE"
	case time.Thursday:
		return "TH"
	case time.Friday:
		return "FR"
	case time.Saturday:
		return "SA"
	default:
		return "SU"
	}
}
