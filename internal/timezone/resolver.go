// Package timezone computes the UTC instant of 09:00 local time for an
// occasion date in a user's IANA zone. All functions are pure.
package timezone

import (
	"fmt"
	"time"
)

const sendHour = 9

// At0900 resolves 09:00 local on the given calendar date in zone to a UTC
// instant. Feb 29 folds to Feb 28 in non-leap years. If the local wall clock
// skips 09:00 (DST gap, or the zone skips the whole date), the first valid
// instant at or after 09:00 local is returned.
func At0900(zone string, year int, month time.Month, day int) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load zone %q: %w", zone, err)
	}

	if month == time.February && day == 29 && !isLeapYear(year) {
		day = 28
	}

	t := time.Date(year, month, day, sendHour, 0, 0, 0, loc)
	if onDate(t, year, month, day) && t.Hour() == sendHour && t.Minute() == 0 {
		return t.UTC(), nil
	}

	return scanForward(loc, year, month, day)
}

// scanForward handles the rare case where 09:00 local does not exist. It
// walks UTC minute by minute across every plausible offset and returns the
// first instant whose local clock is at or past 09:00 on the occasion date,
// or past the date entirely when the zone skipped the whole day.
func scanForward(loc *time.Location, year int, month time.Month, day int) (time.Time, error) {
	start := time.Date(year, month, day, sendHour, 0, 0, 0, time.UTC).Add(-27 * time.Hour)
	end := start.Add(54 * time.Hour)

	for cursor := start; cursor.Before(end); cursor = cursor.Add(time.Minute) {
		local := cursor.In(loc)
		if onDate(local, year, month, day) && local.Hour() >= sendHour {
			return cursor, nil
		}
		if afterDate(local, year, month, day) {
			return cursor, nil
		}
	}

	return time.Time{}, fmt.Errorf("no valid instant at or after %02d:00 on %04d-%02d-%02d in %s",
		sendHour, year, month, day, loc)
}

func onDate(t time.Time, year int, month time.Month, day int) bool {
	y, m, d := t.Date()
	return y == year && m == month && d == day
}

func afterDate(t time.Time, year int, month time.Month, day int) bool {
	y, m, d := t.Date()
	if y != year {
		return y > year
	}
	if m != month {
		return m > month
	}
	return d > day
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
