package schedule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Slot is a daily posting time, stored as minutes after midnight in the reference zone.
type Slot int

const (
	Slot0900 Slot = 9 * 60
	Slot1200 Slot = 12 * 60
	Slot1500 Slot = 15 * 60
	Slot1800 Slot = 18 * 60
)

// Slots lists the supported posting times in display order.
var Slots = []Slot{Slot0900, Slot1200, Slot1500, Slot1800}

func (s Slot) Valid() bool {
	switch s {
	case Slot0900, Slot1200, Slot1500, Slot1800:
		return true
	}
	return false
}

func (s Slot) Hour() int   { return int(s) / 60 }
func (s Slot) Minute() int { return int(s) % 60 }

func (s Slot) String() string { return fmt.Sprintf("%02d:%02d", s.Hour(), s.Minute()) }

// ParseSlot parses "HH:MM" and rejects times outside the supported set.
func ParseSlot(raw string) (Slot, error) {
	h, m, err := parseHHMM(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidPolicy, "slot: %v", err)
	}
	s := Slot(h*60 + m)
	if !s.Valid() {
		return 0, errors.Wrapf(ErrInvalidPolicy, "unsupported slot %q", raw)
	}
	return s, nil
}

func parseHHMM(raw string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q (expected HH:MM)", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return h, m, nil
}
