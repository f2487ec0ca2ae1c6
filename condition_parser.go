package bizguard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	betweenAndRe = regexp.MustCompile(`(?i)(between\s+"?\d{1,2}:\d{2}"?)\s+and\s+("?\d{1,2}:\d{2}"?)`)
	clauseSplit  = regexp.MustCompile(`(?i)\s+and\s+`)
	timeRe       = regexp.MustCompile(`(?i)^(?:env\.)?time\s+between\s+"?(\d{1,2}:\d{2})"?\s*-\s*"?(\d{1,2}:\d{2})"?$`)
	amountRe     = regexp.MustCompile(`(?i)^(?:request\.)?amount\s*(<=|>=)\s*(-?[0-9]+(?:\.[0-9]+)?)$`)
	ipRe         = regexp.MustCompile(`(?i)^(?:env\.)?ip\s+in\s*\[([^\]]*)\]$`)
)

// ParseCondition parses the compact condition syntax produced by
// Condition.String, for example:
//
//	time between 09:00-18:00 and amount <= 5000 and ip in [10.0.0.0/8]
//
// An empty string or "true" yields a nil condition.
func ParseCondition(s string) (*Condition, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "true") {
		return nil, nil
	}
	// "between 09:00 and 18:00" would otherwise be split as two clauses
	s = betweenAndRe.ReplaceAllString(s, "$1-$2")

	c := &Condition{}
	for _, clause := range clauseSplit.Split(s, -1) {
		clause = strings.TrimSpace(clause)
		switch {
		case timeRe.MatchString(clause):
			m := timeRe.FindStringSubmatch(clause)
			if c.Window != nil {
				return nil, fmt.Errorf("%w: duplicate time clause %q", ErrInvalidPolicy, clause)
			}
			c.Window = &TimeWindow{Start: normalizeClock(m[1]), End: normalizeClock(m[2])}
		case amountRe.MatchString(clause):
			m := amountRe.FindStringSubmatch(clause)
			v, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad amount %q", ErrInvalidPolicy, m[2])
			}
			if m[1] == "<=" {
				c.MaxAmount = Amount(v)
			} else {
				c.MinAmount = Amount(v)
			}
		case ipRe.MatchString(clause):
			m := ipRe.FindStringSubmatch(clause)
			c.AllowCIDRs = append(c.AllowCIDRs, splitCSV(m[1])...)
		default:
			return nil, fmt.Errorf("%w: unsupported condition syntax: %s", ErrInvalidPolicy, clause)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return c, nil
}

// normalizeClock pads "9:00" to "09:00" so rendering is stable.
func normalizeClock(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == 4 {
		return "0" + s
	}
	return s
}

// splitCSV splits items like "\"a\",\"b\"" or "a, b" into []string (trimmed, unquoted)
func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, "\"'")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
