package extraction

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var inDaysRe = regexp.MustCompile(`^in (\d+) (day|days|week|weeks|month|months)$`)

// ResolveRelative turns a relative time expression into an absolute
// expiry in the session's timezone. Unknown expressions report false;
// stage 5's fallback (state, no expiry) applies.
func ResolveRelative(hint string, now time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	hint = strings.ToLower(strings.TrimSpace(hint))

	switch hint {
	case "":
		return time.Time{}, false
	case "today", "tonight":
		return endOfDay(local), true
	case "tomorrow":
		return endOfDay(local.AddDate(0, 0, 1)), true
	case "next week":
		return endOfDay(local.AddDate(0, 0, 7)), true
	case "next month":
		return endOfDay(local.AddDate(0, 1, 0)), true
	case "next year":
		return endOfDay(local.AddDate(1, 0, 0)), true
	case "this weekend":
		days := int(time.Saturday - local.Weekday())
		if days < 0 {
			days += 7
		}
		return endOfDay(local.AddDate(0, 0, days+1)), true
	}

	if m := inDaysRe.FindStringSubmatch(hint); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false
		}
		switch {
		case strings.HasPrefix(m[2], "day"):
			return endOfDay(local.AddDate(0, 0, n)), true
		case strings.HasPrefix(m[2], "week"):
			return endOfDay(local.AddDate(0, 0, 7*n)), true
		default:
			return endOfDay(local.AddDate(0, n, 0)), true
		}
	}

	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, hint, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
