// Package timeparsing parses the --since expressions accepted by
// "wimigrate migrate --all".
//
// Expressions are tried in layers:
//  1. Compact duration (2w, -36h, 3m)
//  2. Absolute timestamp (RFC3339, date-only, Rally's millisecond form)
//  3. Natural language (yesterday, last monday, 3 days ago)
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// compactDurationRe matches compact duration patterns: [+-]?(\d+)([hdwmy])
var compactDurationRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// ParseCompactDuration applies a compact duration to now.
//
// Units: h hours, d days, w weeks, m months, y years. A missing sign means
// positive, so "-2w" is two weeks before now.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	matches := compactDurationRe.FindStringSubmatch(s)
	if matches == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}

	amount, err := strconv.Atoi(matches[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", matches[2])
	}
	if matches[1] == "-" {
		amount = -amount
	}
	return applyDuration(now, amount, matches[3]), nil
}

func applyDuration(base time.Time, amount int, unit string) time.Time {
	switch unit {
	case "h":
		return base.Add(time.Duration(amount) * time.Hour)
	case "d":
		return base.AddDate(0, 0, amount)
	case "w":
		return base.AddDate(0, 0, amount*7)
	case "m":
		return base.AddDate(0, amount, 0)
	case "y":
		return base.AddDate(amount, 0, 0)
	default:
		return base
	}
}

// IsCompactDuration returns true if the string matches compact duration syntax.
func IsCompactDuration(s string) bool {
	return compactDurationRe.MatchString(s)
}

var absoluteLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseAbsolute parses a timestamp or date. Values without a zone are read
// in loc.
func ParseAbsolute(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not a timestamp: %q", s)
}

// ParseSince resolves a --since expression to the instant it names. Compact
// durations always look back, so "2w" and "-2w" are the same. The result
// may not lie in the future.
func ParseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty --since expression")
	}

	var (
		t   time.Time
		err error
	)
	switch {
	case IsCompactDuration(s):
		t, err = ParseCompactDuration("-"+strings.TrimLeft(s, "+-"), now)
	default:
		t, err = ParseAbsolute(s, now.Location())
		if err != nil {
			t, err = ParseNaturalLanguage(s, now)
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse --since %q: use a duration (2w), a date (2024-01-31) or a phrase (last monday)", s)
	}
	if t.After(now) {
		return time.Time{}, fmt.Errorf("--since %q is in the future (%s)", s, t.Format(time.RFC3339))
	}
	return t, nil
}
