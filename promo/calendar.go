package promo

import (
	"fmt"
	"time"
)

// =============================================================================
// CALENDAR - Weekly period anchors
// =============================================================================

// periodKeyLayout is the date format of a PeriodKey.
const periodKeyLayout = "2006-01-02"

// Calendar defines the weekly execution anchor, e.g. Sunday 21:08 Moscow time.
//
// A period is named after its anchor: every instant up to and including the
// anchor belongs to the period that executes at that anchor. The roster
// collected during the week and the execution therefore share one key.
type Calendar struct {
	Location *time.Location
	Weekday  time.Weekday
	Hour     int
	Minute   int
}

// DefaultCalendar returns Sunday 21:08 Europe/Moscow.
func DefaultCalendar() Calendar {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		loc = time.FixedZone("MSK", 3*60*60)
	}
	return Calendar{Location: loc, Weekday: time.Sunday, Hour: 21, Minute: 8}
}

func (c Calendar) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// AnchorAtOrAfter returns the first anchor instant >= t.
func (c Calendar) AnchorAtOrAfter(t time.Time) time.Time {
	lt := t.In(c.location())
	days := (int(c.Weekday) - int(lt.Weekday()) + 7) % 7
	anchor := time.Date(lt.Year(), lt.Month(), lt.Day(), c.Hour, c.Minute, 0, 0, c.location()).AddDate(0, 0, days)
	if anchor.Before(lt) {
		anchor = anchor.AddDate(0, 0, 7)
	}
	return anchor
}

// NextAnchor returns the first anchor instant strictly after t.
func (c Calendar) NextAnchor(t time.Time) time.Time {
	return c.AnchorAtOrAfter(t.Add(time.Second).Truncate(time.Second))
}

// Key returns the period that t belongs to.
func (c Calendar) Key(t time.Time) PeriodKey {
	return PeriodKey(c.AnchorAtOrAfter(t).Format(periodKeyLayout))
}

// Anchor returns the execution instant of a period.
func (c Calendar) Anchor(key PeriodKey) (time.Time, error) {
	d, err := time.ParseInLocation(periodKeyLayout, string(key), c.location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, key)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour, c.Minute, 0, 0, c.location()), nil
}

// ParsePeriodKey validates a period key string.
func ParsePeriodKey(s string) (PeriodKey, error) {
	if _, err := time.Parse(periodKeyLayout, s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return PeriodKey(s), nil
}
