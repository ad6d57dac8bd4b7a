// Package recur implements the recurring-booking core: the occurrence
// calculator and the buffer refresh engine that keeps a rolling window of
// future bookings extended for each recurring client.
package recur

import (
	"fmt"
	"time"

	"github.com/willowmind/BookPipe/internal/models"
)

// DefaultTimezone is the practice's civil timezone when none is configured.
// All occurrence arithmetic happens in civil time there: a 14:00 session
// stays at 14:00 wall clock across daylight-saving transitions.
const DefaultTimezone = "America/Toronto"

// OccurrenceCalculator computes the next calendar occurrence of a recurring
// schedule in the practice's fixed civil timezone.
type OccurrenceCalculator struct {
	loc *time.Location
}

// NewOccurrenceCalculator loads the given IANA timezone. An empty name uses
// DefaultTimezone.
func NewOccurrenceCalculator(tz string) (*OccurrenceCalculator, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load practice timezone %q: %w", tz, err)
	}
	return &OccurrenceCalculator{loc: loc}, nil
}

// Location returns the practice timezone.
func (c *OccurrenceCalculator) Location() *time.Location {
	return c.loc
}

// Next returns the occurrence following t for the given interval. The input
// is interpreted in the practice timezone, advanced in civil time (so the
// wall-clock session time is preserved across DST boundaries), and returned
// as an absolute instant.
//
// Monthly advances by one calendar month, clamping to the last day of the
// target month: the 31st never skips into the month after next.
func (c *OccurrenceCalculator) Next(t time.Time, interval models.RecurrenceInterval) time.Time {
	local := t.In(c.loc)
	year, month, day := local.Date()
	hour, minute, sec := local.Clock()

	switch interval {
	case models.IntervalWeekly:
		day += 7
	case models.IntervalBiweekly:
		day += 14
	case models.IntervalMonthly:
		month++
		if last := daysInMonth(year, month); day > last {
			day = last
		}
	default:
		// Unknown intervals fall back to weekly rather than looping forever
		// on the same date. Series validation rejects them upstream.
		day += 7
	}

	// time.Date normalizes out-of-range month/day values.
	return time.Date(year, month, day, hour, minute, sec, 0, c.loc)
}

// FirstOnOrAfter returns the first occurrence of (dayOfWeek, timeOfDay) at or
// after the given instant.
func (c *OccurrenceCalculator) FirstOnOrAfter(from time.Time, dayOfWeek time.Weekday, tod models.TimeOfDay) time.Time {
	local := from.In(c.loc)
	year, month, day := local.Date()

	days := (int(dayOfWeek) - int(local.Weekday()) + 7) % 7
	candidate := time.Date(year, month, day+days, tod.Hour, tod.Minute, 0, 0, c.loc)
	if candidate.Before(from) {
		candidate = time.Date(year, month, day+days+7, tod.Hour, tod.Minute, 0, 0, c.loc)
	}
	return candidate
}

// daysInMonth returns the number of days in the (possibly unnormalized)
// year/month pair.
func daysInMonth(year int, month time.Month) int {
	// Day 0 of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 12, 0, 0, 0, time.UTC).Day()
}
