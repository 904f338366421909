package schedule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidPolicy marks a cadence or slot outside the supported set.
// It indicates corrupted data upstream, never a transient condition.
var ErrInvalidPolicy = errors.New("invalid cadence policy")

type CadenceKind string

const (
	CadenceDaily      CadenceKind = "daily"
	CadenceEveryNDays CadenceKind = "every_n_days"
	CadenceWeekly     CadenceKind = "weekly"
	CadenceCustom     CadenceKind = "custom"
)

// Cadence is the day interval between two fires of a schedule.
// Days is only meaningful for EveryNDays and Custom.
type Cadence struct {
	Kind CadenceKind
	Days int
}

func Daily() Cadence           { return Cadence{Kind: CadenceDaily} }
func Weekly() Cadence          { return Cadence{Kind: CadenceWeekly} }
func EveryNDays(n int) Cadence { return Cadence{Kind: CadenceEveryNDays, Days: n} }
func Custom(days int) Cadence  { return Cadence{Kind: CadenceCustom, Days: days} }

func (c Cadence) Validate() error {
	_, err := c.IntervalDays()
	return err
}

// IntervalDays returns how many calendar days separate two fires.
func (c Cadence) IntervalDays() (int, error) {
	switch c.Kind {
	case CadenceDaily:
		return 1, nil
	case CadenceWeekly:
		return 7, nil
	case CadenceEveryNDays, CadenceCustom:
		if c.Days < 1 {
			return 0, errors.Wrapf(ErrInvalidPolicy, "%s requires days >= 1, got %d", c.Kind, c.Days)
		}
		return c.Days, nil
	default:
		return 0, errors.Wrapf(ErrInvalidPolicy, "unknown cadence kind %q", string(c.Kind))
	}
}

func (c Cadence) String() string {
	switch c.Kind {
	case CadenceDaily:
		return "daily"
	case CadenceWeekly:
		return "weekly"
	case CadenceEveryNDays:
		return fmt.Sprintf("every %d days", c.Days)
	case CadenceCustom:
		return fmt.Sprintf("custom %d days", c.Days)
	default:
		return "invalid(" + string(c.Kind) + ")"
	}
}

// ParseCadence accepts the config/CLI spellings:
//
//	daily | weekly | every:N | custom:N | Nd | N
//
// A bare day count ("3", "3d") follows the interval picker sellers use:
// 1 is Daily, 7 is Weekly, anything else is EveryNDays.
func ParseCadence(raw string) (Cadence, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "daily", "day":
		return Daily(), nil
	case "weekly", "week":
		return Weekly(), nil
	}

	var (
		kind   = CadenceEveryNDays
		digits string
		bare   bool
	)
	switch {
	case strings.HasPrefix(s, "every:"):
		digits = strings.TrimPrefix(s, "every:")
	case strings.HasPrefix(s, "custom:"):
		kind = CadenceCustom
		digits = strings.TrimPrefix(s, "custom:")
	default:
		digits = strings.TrimSuffix(s, "d")
		bare = true
	}
	n, err := strconv.Atoi(strings.TrimSpace(digits))
	if err != nil || n < 1 {
		return Cadence{}, errors.Wrapf(ErrInvalidPolicy, "unrecognized cadence %q", raw)
	}
	if bare {
		switch n {
		case 1:
			return Daily(), nil
		case 7:
			return Weekly(), nil
		}
	}
	return Cadence{Kind: kind, Days: n}, nil
}
