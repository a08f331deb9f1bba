package latefee

import (
	"math"
	"time"
)

// =============================================================================
// DAY ARITHMETIC
// =============================================================================

// DaysOverdue returns the whole days elapsed from expected to actual,
// floored and never negative.
func DaysOverdue(expected, actual time.Time) int {
	d := actual.Sub(expected)
	if d <= 0 {
		return 0
	}
	return int(math.Floor(d.Hours() / 24))
}

// EndOfMonth returns the last day of t's calendar month at midnight UTC
// (first day of the following month, minus one day).
func EndOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Clock returns the current time. Swapped in tests.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
