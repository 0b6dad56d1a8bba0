// Package domain defines the recurring-donation model and the pure scheduling
// logic that operates on it: the frequency calculator, the agreement state
// machine, and the retry/backoff policy. Nothing in this package touches the
// database, the clock (beyond values passed in), or the network.
package domain

import (
	"errors"
	"time"
)

// Frequency is the cadence on which a recurring agreement produces due cycles.
type Frequency string

// Supported cadences.
const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// ErrInvalidFrequency is returned when a frequency value is not one of the
// supported cadences.
var ErrInvalidFrequency = errors.New("invalid frequency")

// Valid reports whether f is a supported cadence.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// months returns the calendar-month step for month-based cadences, or 0 for
// weekly.
func (f Frequency) months() int {
	switch f {
	case FrequencyMonthly:
		return 1
	case FrequencyQuarterly:
		return 3
	case FrequencyYearly:
		return 12
	}
	return 0
}

// NextDueDate computes the due date of the cycle following occurrencesCompleted
// successful cycles, derived solely from the anchor date. Computing from the
// anchor (never "previous due date + interval") means skipped or retried
// cycles can never accumulate drift.
//
// Month-based cadences clamp to the last valid day of the target month when
// the anchor day does not exist there: an anchor on Jan 31 produces Feb 28
// (or Feb 29 in leap years), Mar 31, Apr 30, and so on.
//
// The result is normalized to UTC midnight.
func NextDueDate(f Frequency, anchor time.Time, occurrencesCompleted int) (time.Time, error) {
	if !f.Valid() {
		return time.Time{}, ErrInvalidFrequency
	}
	n := occurrencesCompleted + 1
	if f == FrequencyWeekly {
		return DateOnly(anchor).AddDate(0, 0, 7*n), nil
	}
	return addMonthsClamped(DateOnly(anchor), f.months()*n), nil
}

// NextDueDateAfter returns the first calculator-produced due date strictly
// after the given instant. It is used when advancing past already-captured or
// deliberately skipped cycles, so the schedule stays on the anchor-derived
// grid rather than sliding.
func NextDueDateAfter(f Frequency, anchor time.Time, after time.Time) (time.Time, error) {
	if !f.Valid() {
		return time.Time{}, ErrInvalidFrequency
	}
	for k := 0; ; k++ {
		due, err := NextDueDate(f, anchor, k)
		if err != nil {
			return time.Time{}, err
		}
		if due.After(after) {
			return due, nil
		}
	}
}

// DateOnly truncates t to UTC midnight. All schedule dates in this package
// live on that grid.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// addMonthsClamped shifts d forward by the given number of calendar months,
// clamping the day-of-month to the last valid day of the target month.
// time.Time.AddDate is deliberately avoided here: it normalizes Jan 31 + 1
// month to Mar 3 instead of Feb 28.
func addMonthsClamped(d time.Time, months int) time.Time {
	y, m, day := d.Date()
	total := int(m) - 1 + months
	ty := y + total/12
	tm := time.Month(total%12 + 1)
	if last := daysIn(ty, tm); day > last {
		day = last
	}
	return time.Date(ty, tm, day, 0, 0, 0, 0, time.UTC)
}

// daysIn returns the number of days in the given month.
func daysIn(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
