package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseISODuration parses the ISO-8601 duration subset used by Beckn ttls:
// PnDTnHnMnS with integer or fractional seconds. Weeks, months and years are
// not accepted; message ttls never reach that scale.
func ParseISODuration(s string) (time.Duration, error) {
	if len(s) < 2 || s[0] != 'P' {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	rest := s[1:]

	var total time.Duration
	inTime := false
	num := ""

	for _, r := range rest {
		switch {
		case r == 'T':
			if inTime {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
			}
			inTime = true
		case r >= '0' && r <= '9' || r == '.':
			num += string(r)
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
			}
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
			}
			num = ""
			var unit time.Duration
			switch {
			case r == 'D' && !inTime:
				unit = 24 * time.Hour
			case r == 'H' && inTime:
				unit = time.Hour
			case r == 'M' && inTime:
				unit = time.Minute
			case r == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("unsupported designator %q in duration %q", string(r), s)
			}
			total += time.Duration(val * float64(unit))
		}
	}
	if num != "" {
		return 0, fmt.Errorf("trailing number in duration %q", s)
	}
	if total == 0 && rest == "" {
		return 0, errors.New("empty duration")
	}
	return total, nil
}

// FormatISODuration renders a duration as PnDTnHnMnS, second granularity.
func FormatISODuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	// Sub-second ttls round up so the result stays positive and parseable.
	if d < time.Second {
		return "PT1S"
	}
	secs := int64(d.Seconds())
	days := secs / 86400
	secs %= 86400
	hours := secs / 3600
	secs %= 3600
	mins := secs / 60
	secs %= 60

	var b strings.Builder
	b.WriteByte('P')
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if hours > 0 || mins > 0 || secs > 0 {
		b.WriteByte('T')
		if hours > 0 {
			fmt.Fprintf(&b, "%dH", hours)
		}
		if mins > 0 {
			fmt.Fprintf(&b, "%dM", mins)
		}
		if secs > 0 {
			fmt.Fprintf(&b, "%dS", secs)
		}
	}
	return b.String()
}
