package schedule

import (
	"strconv"
	"strings"
)

// toMinutes parses "HH:MM" into minutes since midnight, -1 on bad input.
func toMinutes(hhmm string) int {
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return -1
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return -1
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return -1
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return -1
	}
	return h*60 + m
}

// ValidTime reports whether s is a well-formed "HH:MM" clock time.
func ValidTime(s string) bool {
	return toMinutes(s) >= 0
}

// TimeInRange reports whether current ("HH:MM") falls inside [start, end].
// start == end means the whole day; start > end wraps past midnight.
// Malformed times never match.
func TimeInRange(current, start, end string) bool {
	cur := toMinutes(current)
	s := toMinutes(start)
	e := toMinutes(end)
	if cur < 0 || s < 0 || e < 0 {
		return false
	}

	if s == e {
		return true
	}
	if s < e {
		return s <= cur && cur <= e
	}
	// Wraps past midnight, e.g. 22:00-06:00
	return cur >= s || cur <= e
}
