package schedule

import (
	"time"

	"github.com/cockroachdb/errors"
)

// NextFireTime returns the first instant at or after ref that falls on slot,
// stepping by the cadence interval. loc is the reference zone the slot is
// expressed in (nil means UTC); the result is always in UTC.
//
// If ref sits exactly on the slot the result equals ref ("due now").
// Invalid cadences or slots fail with ErrInvalidPolicy.
func NextFireTime(c Cadence, slot Slot, ref time.Time, loc *time.Location) (time.Time, error) {
	days, err := c.IntervalDays()
	if err != nil {
		return time.Time{}, err
	}
	if !slot.Valid() {
		return time.Time{}, errors.Wrapf(ErrInvalidPolicy, "unsupported slot %d", int(slot))
	}
	if loc == nil {
		loc = time.UTC
	}

	r := ref.In(loc)
	cand := time.Date(r.Year(), r.Month(), r.Day(), slot.Hour(), slot.Minute(), 0, 0, loc)
	if cand.Before(r) {
		cand = cand.AddDate(0, 0, days)
	}
	return cand.UTC(), nil
}

// NextFireTimeAfter is NextFireTime with a strict bound: the result is always after ref.
// It is used once a post has fired, so a fire exactly on the slot boundary
// moves to the following interval instead of repeating.
func NextFireTimeAfter(c Cadence, slot Slot, ref time.Time, loc *time.Location) (time.Time, error) {
	return NextFireTime(c, slot, ref.Add(time.Nanosecond), loc)
}

// ZoneFromOffset parses "+03:00", "-0530" or "UTC" into a fixed zone.
// The reference zone is a fixed offset; no tz database lookups are made.
func ZoneFromOffset(raw string) (*time.Location, error) {
	switch raw {
	case "", "UTC", "utc", "Z", "+00:00", "-00:00":
		return time.UTC, nil
	}
	t, err := time.Parse("-07:00", raw)
	if err != nil {
		t, err = time.Parse("-0700", raw)
	}
	if err != nil {
		return nil, errors.Newf("invalid utc offset %q (expected +HH:MM)", raw)
	}
	_, off := t.Zone()
	return time.FixedZone("UTC"+raw, off), nil
}
