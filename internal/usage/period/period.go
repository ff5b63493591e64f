// Package period computes an owner's monthly usage periods from a stored
// anchor instant. Periods are a pure function of (anchor, at), so sweeps and
// rollovers replay deterministically.
package period

import "time"

// Bounds returns the half-open period [start, end) that contains at.
// Periods start on the anchor's day of month; months without that day use
// their last day instead (an anchor on Jan 31 yields Feb 28/29, Mar 31, ...).
func Bounds(anchor, at time.Time) (time.Time, time.Time) {
	n := Index(anchor, at)
	return AddMonths(anchor, n), AddMonths(anchor, n+1)
}

// Index numbers the period containing at; the period starting at the anchor is 0.
func Index(anchor, at time.Time) int {
	anchor = anchor.UTC()
	at = at.UTC()

	n := (at.Year()-anchor.Year())*12 + int(at.Month()) - int(anchor.Month())
	for AddMonths(anchor, n).After(at) {
		n--
	}
	for !AddMonths(anchor, n+1).After(at) {
		n++
	}
	return n
}

// Previous returns the latest period that ended at or before at.
func Previous(anchor, at time.Time) (time.Time, time.Time) {
	start, _ := Bounds(anchor, at)
	return Bounds(anchor, start.Add(-time.Nanosecond))
}

// AddMonths shifts anchor by n months, clamping the day to the target month.
func AddMonths(anchor time.Time, n int) time.Time {
	anchor = anchor.UTC()
	total := int(anchor.Month()) - 1 + n
	year := anchor.Year() + floorDiv(total, 12)
	month := time.Month(total - floorDiv(total, 12)*12 + 1)

	day := anchor.Day()
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
