package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var (
	epochMillisRegex = regexp.MustCompile(`^\d{13}$`)
	epochSecondRegex = regexp.MustCompile(`^\d{10}$`)
	dateOnlyRegex    = regexp.MustCompile(`^(\d{4})[-/]?(\d{2})[-/]?(\d{2})$`)
	dateTimeRegex    = regexp.MustCompile(`^(\d{4})[-/]?(\d{1,2})[-/]?(\d{1,2})[ T](\d{1,2}):(\d{1,2})(?::(\d{1,2}))?$`)

	// Loose shapes handed to the generic date parser.
	looseClockRegex = regexp.MustCompile(`[T ]\d{2}:\d{2}`)
	looseDashRegex  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	looseSlashRegex = regexp.MustCompile(`\d{4}/\d{2}/\d{2}`)

	clockMinSecRegex  = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?:\.(\d{1,3}))?$`)
	clockHourMinRegex = regexp.MustCompile(`^(\d{1,2}):(\d{2}):(\d{2})(?:\.(\d{1,3}))?$`)
)

// ParseTimeValue parses a raw cell as a timestamp. Naive dates and date-times
// are interpreted in loc. Bare years, months or clock values are rejected.
func ParseTimeValue(raw string, loc *time.Location) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}

	if epochMillisRegex.MatchString(s) {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	}
	if epochSecondRegex.MatchString(s) {
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(sec, 0), true
	}

	if m := dateOnlyRegex.FindStringSubmatch(s); m != nil {
		return buildDate(loc, m[1], m[2], m[3], "0", "0", "0")
	}
	if m := dateTimeRegex.FindStringSubmatch(s); m != nil {
		sec := m[6]
		if sec == "" {
			sec = "0"
		}
		return buildDate(loc, m[1], m[2], m[3], m[4], m[5], sec)
	}

	if looseClockRegex.MatchString(s) || looseDashRegex.MatchString(s) || looseSlashRegex.MatchString(s) {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if t, err := dateparse.ParseIn(s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func buildDate(loc *time.Location, parts ...string) (time.Time, bool) {
	var v [6]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		v[i] = n
	}
	if v[1] < 1 || v[1] > 12 || v[2] < 1 || v[2] > 31 || v[3] > 23 || v[4] > 59 || v[5] > 59 {
		return time.Time{}, false
	}
	return time.Date(v[0], time.Month(v[1]), v[2], v[3], v[4], v[5], 0, loc), true
}

// ParseClock parses a bare time of day into an offset from midnight.
// Two-part values are minutes:seconds, three-part values hours:minutes:seconds;
// an optional fraction of up to three digits is a decimal fraction of a second.
func ParseClock(raw string) (time.Duration, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}

	var h, m, sec int
	var frac string
	if g := clockMinSecRegex.FindStringSubmatch(s); g != nil {
		m, _ = strconv.Atoi(g[1])
		sec, _ = strconv.Atoi(g[2])
		frac = g[3]
	} else if g := clockHourMinRegex.FindStringSubmatch(s); g != nil {
		h, _ = strconv.Atoi(g[1])
		m, _ = strconv.Atoi(g[2])
		sec, _ = strconv.Atoi(g[3])
		frac = g[4]
	} else {
		return 0, false
	}

	var ms int
	if frac != "" {
		for len(frac) < 3 {
			frac += "0"
		}
		ms, _ = strconv.Atoi(frac)
	}

	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second +
		time.Duration(ms)*time.Millisecond, true
}

func isClockLike(raw string) bool {
	_, ok := ParseClock(raw)
	return ok
}

// ParseNumber parses a cell strictly as a finite float.
func ParseNumber(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ParseLooseNumber is ParseNumber with a fallback that drops every character
// other than digits, '-' and '.', so "12.5%" or "1,200" still yield a value.
func ParseLooseNumber(raw string) (float64, bool) {
	if v, ok := ParseNumber(raw); ok {
		return v, true
	}
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '-' || r == '.' {
			return r
		}
		return -1
	}, raw)
	return ParseNumber(cleaned)
}
