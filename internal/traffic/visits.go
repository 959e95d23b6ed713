package traffic

import (
	"strconv"
	"strings"
)

var visitSuffixes = map[byte]float64{
	'K': 1e3,
	'M': 1e6,
	'B': 1e9,
}

// ParseVisits reads a visit count such as "402K", "1.5M", "2B" or "12,345".
// It reports false for "<1K", "null", empty values, and anything that does
// not parse to a positive count.
func ParseVisits(raw string) (int64, bool) {
	s := strings.ToUpper(strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), `"`)))
	if s == "" || s == "NULL" || strings.HasPrefix(s, "<") {
		return 0, false
	}
	s = strings.NewReplacer(",", "", " ", "", "+", "").Replace(s)
	if s == "" {
		return 0, false
	}

	multiplier := 1.0
	if m, ok := visitSuffixes[s[len(s)-1]]; ok {
		multiplier = m
		s = s[:len(s)-1]
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return int64(v * multiplier), true
}
