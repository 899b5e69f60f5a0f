package entity

import (
	"fmt"
	"time"
)

// Wire formats for indexed date-time values. Date-only values use the
// 8-character date form in both the UTC and local slots.
const (
	UTCFormat   = "20060102T150405Z"
	LocalFormat = "20060102T150405"
	DateFormat  = "20060102"
)

// DateTime is the indexed representation of a calendar date-time: the UTC
// and local renderings, the zone id, and flags for floating (timezone-less)
// and date-only values. Floating values carry their local rendering in the
// UTC slot with a Z suffix so string range comparisons still work.
type DateTime struct {
	UTC      string
	Local    string
	TZID     string
	Floating bool
	DateOnly bool
}

// NewDateTime builds a zoned date-time value.
func NewDateTime(t time.Time) DateTime {
	tzid := t.Location().String()
	if tzid == "Local" {
		tzid = "UTC"
		t = t.UTC()
	}
	return DateTime{
		UTC:   t.UTC().Format(UTCFormat),
		Local: t.Format(LocalFormat),
		TZID:  tzid,
	}
}

// NewDate builds a date-only value. The time-of-day component is suppressed
// everywhere.
func NewDate(t time.Time) DateTime {
	d := t.Format(DateFormat)
	return DateTime{UTC: d, Local: d, DateOnly: true}
}

// NewFloating builds a timezone-less value. Its clock reading is reused as
// the pseudo-UTC rendering.
func NewFloating(t time.Time) DateTime {
	local := t.Format(LocalFormat)
	return DateTime{UTC: local + "Z", Local: local, Floating: true}
}

// IsZero reports whether the value is unset.
func (dt DateTime) IsZero() bool {
	return dt.UTC == "" && dt.Local == ""
}

// Time parses the value back into a time.Time. Date-only and floating
// values are interpreted in UTC.
func (dt DateTime) Time() (time.Time, error) {
	switch {
	case dt.IsZero():
		return time.Time{}, fmt.Errorf("empty date-time")
	case dt.DateOnly:
		return time.Parse(DateFormat, dt.Local)
	case dt.Floating:
		return time.Parse(LocalFormat, dt.Local)
	default:
		return time.Parse(UTCFormat, dt.UTC)
	}
}

// Shift returns the value moved by d, preserving its flavor and zone.
func (dt DateTime) Shift(d time.Duration) (DateTime, error) {
	t, err := dt.Time()
	if err != nil {
		return DateTime{}, err
	}
	switch {
	case dt.DateOnly:
		return NewDate(t.Add(d)), nil
	case dt.Floating:
		return NewFloating(t.Add(d)), nil
	default:
		loc := time.UTC
		if dt.TZID != "" && dt.TZID != "UTC" {
			if l, lerr := time.LoadLocation(dt.TZID); lerr == nil {
				loc = l
			}
		}
		return NewDateTime(t.Add(d).In(loc)), nil
	}
}

// Sub returns the duration from other to dt.
func (dt DateTime) Sub(other DateTime) (time.Duration, error) {
	a, err := dt.Time()
	if err != nil {
		return 0, err
	}
	b, err := other.Time()
	if err != nil {
		return 0, err
	}
	return a.Sub(b), nil
}

// Before compares two values by their UTC sort key.
func (dt DateTime) Before(other DateTime) bool {
	return dt.sortKey() < other.sortKey()
}

// After compares two values by their UTC sort key.
func (dt DateTime) After(other DateTime) bool {
	return dt.sortKey() > other.sortKey()
}

// sortKey pads date-only values so they order consistently against timed
// values.
func (dt DateTime) sortKey() string {
	if dt.DateOnly {
		return dt.UTC + "T000000Z"
	}
	return dt.UTC
}
