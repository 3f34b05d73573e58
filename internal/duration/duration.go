// Package duration parses the human-readable duration strings archive
// groups are configured with ("1h", "30m", "7d"), per spec §4.H: "a
// standard duration grammar (whitespace-insensitive sum of
// <int>[ms|s|m|h|d|w])".
package duration

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/monstermq/core/pkg/er"
)

var unitMillis = map[string]int64{
	"ms": 1,
	"s":  1000,
	"m":  60 * 1000,
	"h":  60 * 60 * 1000,
	"d":  24 * 60 * 60 * 1000,
	"w":  7 * 24 * 60 * 60 * 1000,
}

// Parse converts a string like "1h30m" or "7 d" into a time.Duration.
// Whitespace between terms (and between the number and its unit) is
// ignored. An empty string is an error, not zero.
func Parse(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, er.New("duration.Parse", er.KindInvalidInput, er.ErrEmptyDuration)
	}

	var totalMillis int64
	i := 0
	runes := []rune(strings.Join(strings.Fields(trimmed), ""))
	n := len(runes)

	for i < n {
		start := i
		for i < n && unicode.IsDigit(runes[i]) {
			i++
		}
		if i == start {
			return 0, er.New("duration.Parse", er.KindInvalidInput, er.ErrBadDurationUnit)
		}
		num, err := strconv.ParseInt(string(runes[start:i]), 10, 64)
		if err != nil {
			return 0, er.New("duration.Parse", er.KindInvalidInput, er.ErrBadDurationUnit)
		}

		unitStart := i
		for i < n && unicode.IsLetter(runes[i]) {
			i++
		}
		unit := strings.ToLower(string(runes[unitStart:i]))
		perUnit, ok := unitMillis[unit]
		if !ok {
			return 0, er.New("duration.Parse", er.KindInvalidInput, er.ErrBadDurationUnit)
		}

		totalMillis += num * perUnit
	}

	return time.Duration(totalMillis) * time.Millisecond, nil
}

// Format renders d back into the compact grammar Parse accepts, choosing
// the coarsest whole unit available (used by admin tooling round-tripping
// a stored duration string).
func Format(d time.Duration) string {
	ms := d.Milliseconds()
	switch {
	case ms == 0:
		return "0ms"
	case ms%int64(7*24*60*60*1000) == 0:
		return strconv.FormatInt(ms/int64(7*24*60*60*1000), 10) + "w"
	case ms%int64(24*60*60*1000) == 0:
		return strconv.FormatInt(ms/int64(24*60*60*1000), 10) + "d"
	case ms%int64(60*60*1000) == 0:
		return strconv.FormatInt(ms/int64(60*60*1000), 10) + "h"
	case ms%int64(60*1000) == 0:
		return strconv.FormatInt(ms/int64(60*1000), 10) + "m"
	case ms%1000 == 0:
		return strconv.FormatInt(ms/1000, 10) + "s"
	default:
		return strconv.FormatInt(ms, 10) + "ms"
	}
}
