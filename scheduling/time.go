package scheduling

import (
	"fmt"
	"time"
)

// =============================================================================
// CALENDAR DATES
// =============================================================================
// Dates are time.Time values at midnight UTC. Only the Y/M/D parts matter.

const DateLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf drops the clock part of t, keeping t's calendar day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// DateIn is the calendar date of instant t as seen in loc (UTC when nil).
func DateIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(t.In(loc))
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// DaysBetween returns the number of calendar days from a to b.
// Negative when b is before a.
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}

func MaxDate(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// =============================================================================
// TIME OF DAY
// =============================================================================

// TimeOfDay is minutes since midnight, 0..1439.
type TimeOfDay int

func NewTimeOfDay(hour, minute int) TimeOfDay { return TimeOfDay(hour*60 + minute) }

// ParseTimeOfDay accepts "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return NewTimeOfDay(t.Hour(), t.Minute()), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }
func (t TimeOfDay) Valid() bool { return t >= 0 && t < 24*60 }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute()) }

// On places the time of day on date in loc.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock is injected into services so tests can pin "today".
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c()
}

// today is the current local date in loc.
func (c Clock) today(loc *time.Location) time.Time {
	return DateIn(c.now(), loc)
}
