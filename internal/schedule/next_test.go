package schedule

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestNextFireTime(t *testing.T) {
	t.Parallel()
	eat := time.FixedZone("EAT", 3*3600)
	tests := []struct {
		name    string
		cadence Cadence
		slot    Slot
		ref     string
		loc     *time.Location
		want    string
	}{
		{name: "daily before slot", cadence: Daily(), slot: Slot0900, ref: "2025-01-02T08:00:00Z", want: "2025-01-02T09:00:00Z"},
		{name: "daily after slot", cadence: Daily(), slot: Slot0900, ref: "2025-01-02T09:01:00Z", want: "2025-01-03T09:00:00Z"},
		{name: "daily on boundary is due now", cadence: Daily(), slot: Slot0900, ref: "2025-01-02T09:00:00Z", want: "2025-01-02T09:00:00Z"},
		{name: "every 2 days after slot", cadence: EveryNDays(2), slot: Slot1200, ref: "2025-01-02T13:00:00Z", want: "2025-01-04T12:00:00Z"},
		{name: "every 3 days before slot", cadence: EveryNDays(3), slot: Slot1500, ref: "2025-01-02T10:00:00Z", want: "2025-01-02T15:00:00Z"},
		{name: "weekly after slot", cadence: Weekly(), slot: Slot1800, ref: "2025-01-02T18:30:00Z", want: "2025-01-09T18:00:00Z"},
		{name: "custom 5 across month end", cadence: Custom(5), slot: Slot0900, ref: "2025-01-30T12:00:00Z", want: "2025-02-04T09:00:00Z"},
		{name: "leap day", cadence: Daily(), slot: Slot0900, ref: "2024-02-28T10:00:00Z", want: "2024-02-29T09:00:00Z"},
		{name: "offset zone before local slot", cadence: Daily(), slot: Slot0900, ref: "2025-01-02T05:00:00Z", loc: eat, want: "2025-01-02T06:00:00Z"},
		{name: "offset zone local date differs", cadence: Daily(), slot: Slot0900, ref: "2025-01-02T22:00:00Z", loc: eat, want: "2025-01-03T06:00:00Z"},
		{name: "offset zone after local slot", cadence: EveryNDays(2), slot: Slot0900, ref: "2025-01-02T07:00:00Z", loc: eat, want: "2025-01-04T06:00:00Z"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextFireTime(tt.cadence, tt.slot, mustTime(t, tt.ref), tt.loc)
			if err != nil {
				t.Fatalf("NextFireTime error: %v", err)
			}
			if want := mustTime(t, tt.want); !got.Equal(want) {
				t.Fatalf("NextFireTime = %v, want %v", got, want)
			}
			if got.Location() != time.UTC {
				t.Fatalf("result location = %v, want UTC", got.Location())
			}
		})
	}
}

func TestNextFireTimeNeverInPast(t *testing.T) {
	t.Parallel()
	cadences := []Cadence{Daily(), EveryNDays(2), EveryNDays(3), Weekly(), Custom(10)}
	locs := []*time.Location{time.UTC, time.FixedZone("p3", 3*3600), time.FixedZone("m5", -5*3600), time.FixedZone("p545", 5*3600+45*60)}
	base := mustTime(t, "2025-03-01T00:00:00Z")

	for _, c := range cadences {
		days, _ := c.IntervalDays()
		for _, slot := range Slots {
			for _, loc := range locs {
				// every 7 minutes across two days hits boundaries and non-boundaries
				for step := 0; step < 2*24*60; step += 7 {
					ref := base.Add(time.Duration(step) * time.Minute)
					got, err := NextFireTime(c, slot, ref, loc)
					if err != nil {
						t.Fatalf("NextFireTime(%v, %v, %v): %v", c, slot, ref, err)
					}
					if got.Before(ref) {
						t.Fatalf("NextFireTime(%v, %v, %v) = %v is in the past", c, slot, ref, got)
					}
					if got.Sub(ref) > time.Duration(days)*24*time.Hour {
						t.Fatalf("NextFireTime(%v, %v, %v) = %v is more than one interval away", c, slot, ref, got)
					}
					local := got.In(loc)
					if local.Hour() != slot.Hour() || local.Minute() != slot.Minute() || local.Second() != 0 {
						t.Fatalf("NextFireTime = %v, not on slot %v in %v", got, slot, loc)
					}

					after, err := NextFireTimeAfter(c, slot, ref, loc)
					if err != nil {
						t.Fatalf("NextFireTimeAfter: %v", err)
					}
					if !after.After(ref) {
						t.Fatalf("NextFireTimeAfter(%v) = %v, want strictly after", ref, after)
					}
				}
			}
		}
	}
}

func TestNextFireTimeAfterBoundary(t *testing.T) {
	t.Parallel()
	ref := mustTime(t, "2025-01-02T09:00:00Z")
	got, err := NextFireTimeAfter(EveryNDays(2), Slot0900, ref, nil)
	if err != nil {
		t.Fatalf("NextFireTimeAfter error: %v", err)
	}
	if want := mustTime(t, "2025-01-04T09:00:00Z"); !got.Equal(want) {
		t.Fatalf("NextFireTimeAfter = %v, want %v", got, want)
	}
}

func TestNextFireTimeSequenceMonotonic(t *testing.T) {
	t.Parallel()
	ref := mustTime(t, "2025-01-01T00:00:00Z")
	prev := ref
	for i := 0; i < 50; i++ {
		next, err := NextFireTimeAfter(EveryNDays(3), Slot1500, prev, nil)
		if err != nil {
			t.Fatalf("NextFireTimeAfter: %v", err)
		}
		if !next.After(prev) {
			t.Fatalf("sequence not increasing: %v then %v", prev, next)
		}
		if i > 0 && next.Sub(prev) != 72*time.Hour {
			t.Fatalf("gap = %v, want 72h", next.Sub(prev))
		}
		prev = next
	}
}

func TestNextFireTimeInvalidPolicy(t *testing.T) {
	t.Parallel()
	ref := mustTime(t, "2025-01-02T09:00:00Z")
	bad := []struct {
		name    string
		cadence Cadence
		slot    Slot
	}{
		{name: "unknown kind", cadence: Cadence{Kind: "hourly"}, slot: Slot0900},
		{name: "zero value", cadence: Cadence{}, slot: Slot0900},
		{name: "every zero days", cadence: EveryNDays(0), slot: Slot0900},
		{name: "custom negative", cadence: Custom(-2), slot: Slot0900},
		{name: "bad slot", cadence: Daily(), slot: Slot(10 * 60)},
	}
	for _, tt := range bad {
		if _, err := NextFireTime(tt.cadence, tt.slot, ref, nil); !errors.Is(err, ErrInvalidPolicy) {
			t.Fatalf("%s: err = %v, want ErrInvalidPolicy", tt.name, err)
		}
	}
}

func TestZoneFromOffset(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want int
	}{
		{raw: "", want: 0},
		{raw: "UTC", want: 0},
		{raw: "+03:00", want: 3 * 3600},
		{raw: "-05:00", want: -5 * 3600},
		{raw: "+0545", want: 5*3600 + 45*60},
	}
	ref := mustTime(t, "2025-01-02T00:00:00Z")
	for _, tt := range tests {
		loc, err := ZoneFromOffset(tt.raw)
		if err != nil {
			t.Fatalf("ZoneFromOffset(%q): %v", tt.raw, err)
		}
		if _, off := ref.In(loc).Zone(); off != tt.want {
			t.Fatalf("ZoneFromOffset(%q) offset = %d, want %d", tt.raw, off, tt.want)
		}
	}
	if _, err := ZoneFromOffset("Africa/Addis_Ababa"); err == nil {
		t.Fatal("expected error for zone name")
	}
}
