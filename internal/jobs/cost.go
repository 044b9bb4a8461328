package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// parseCost reads a monthly cost that may be a number or a free-form string
// such as "$1,200 to $1,500" or "1200-1500 USD". For a range the upper bound
// is used. Fractions are dropped.
func parseCost(raw json.RawMessage) (int, error) {
	if string(raw) == "null" {
		return 0, errors.New("cost is null")
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("cost is neither a number nor a string: %s", raw)
	}

	s = strings.Replace(s, " to ", "-", 1)
	parts := strings.Split(s, "-")
	upper := parts[len(parts)-1]

	digits := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, upper)
	if i := strings.IndexByte(digits, '.'); i >= 0 {
		digits = digits[:i]
	}
	if digits == "" {
		return 0, fmt.Errorf("no amount in cost %q", s)
	}

	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("parsing cost %q: %w", s, err)
	}
	return v, nil
}
