// Package recurrence computes the next execution time of a time-of-day rule.
//
// Everything here is a pure function of its inputs. Callers pick the
// reference time (wall clock after a restart, the firing time after a run),
// so results can always be re-derived without persisted state.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is the period a rule repeats with.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// ErrInvalidFrequency is reported (never returned as fatal) when a rule
// carries a frequency outside the supported set. Such rules run daily.
var ErrInvalidFrequency = errors.New("recurrence: invalid frequency")

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly:
		return true
	default:
		return false
	}
}

// ParseFrequency normalizes s. Unknown values return Daily together with
// ErrInvalidFrequency so callers can log and continue.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if f.Valid() {
		return f, nil
	}
	return Daily, fmt.Errorf("%w: %q", ErrInvalidFrequency, s)
}

// Rule is a wall-clock time of day plus a frequency.
//
// Day anchors monthly rules to a day of the month (1-31). Months shorter
// than Day run on their last day, and the following month returns to Day.
// Zero takes the day from the reference time.
type Rule struct {
	Hour      int
	Minute    int
	Frequency Frequency
	Day       int
}

func (r Rule) String() string {
	return fmt.Sprintf("%02d:%02d %s", r.Hour, r.Minute, r.Frequency)
}

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || !digits(hh) || !digits(mm) {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || len(hh) == 0 || len(hh) > 2 || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func digits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

// FormatTimeOfDay is the inverse of ParseTimeOfDay.
func FormatTimeOfDay(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// Options tunes Next/NextAfter. The zero value is usable.
type Options struct {
	// Location anchors the time of day. Defaults to ref's location.
	Location *time.Location
	// OnInvalid is called when the rule's frequency is not supported.
	OnInvalid func(err error)
}

// Next returns the first run time at or after ref.
//
// The candidate is today's occurrence of the rule's time of day (seconds
// zeroed). If it already passed, it moves forward one period.
func Next(r Rule, ref time.Time, opts Options) time.Time {
	return next(r, ref, opts, false)
}

// NextAfter is Next with a strict bound: the result is always after ref.
// It is used when ref is the moment a run fired, so the run cannot be
// scheduled again for the same instant.
func NextAfter(r Rule, ref time.Time, opts Options) time.Time {
	return next(r, ref, opts, true)
}

func next(r Rule, ref time.Time, opts Options, strict bool) time.Time {
	freq := r.Frequency
	if !freq.Valid() {
		if opts.OnInvalid != nil {
			opts.OnInvalid(fmt.Errorf("%w: %q", ErrInvalidFrequency, string(r.Frequency)))
		}
		freq = Daily
	}

	loc := opts.Location
	if loc == nil {
		loc = ref.Location()
	}
	local := ref.In(loc)
	y, m, d := local.Date()
	candidate := time.Date(y, m, d, r.Hour, r.Minute, 0, 0, loc)
	if freq == Monthly && r.Day > 0 {
		d = r.Day
		candidate = onDay(y, m, d, r, loc)
	}

	passed := func(c time.Time) bool {
		if strict {
			return !c.After(ref)
		}
		return c.Before(ref)
	}
	if !passed(candidate) {
		return candidate
	}

	// One period is enough for every frequency: the candidate sits on
	// today's date (or this month's anchor day), so one step always lands
	// past ref. The loop only guards odd zone transitions.
	for i := 0; passed(candidate) && i < 4; i++ {
		candidate = advance(candidate, freq, d, r, loc)
	}
	return candidate
}

func advance(c time.Time, f Frequency, anchorDay int, r Rule, loc *time.Location) time.Time {
	y, m, d := c.Date()
	switch f {
	case Weekly:
		return time.Date(y, m, d+7, r.Hour, r.Minute, 0, 0, loc)
	case Monthly:
		return onDay(y, m+1, anchorDay, r, loc)
	default:
		return time.Date(y, m, d+1, r.Hour, r.Minute, 0, 0, loc)
	}
}

// onDay returns day of month m (normalized, so m may be 13), or that
// month's last day when it is shorter (31 -> Feb 29 in a leap year).
func onDay(y int, m time.Month, day int, r Rule, loc *time.Location) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	if last := DaysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, r.Hour, r.Minute, 0, 0, loc)
}

// DaysIn returns the number of days in month m of year y.
func DaysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
