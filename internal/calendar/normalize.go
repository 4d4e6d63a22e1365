package calendar

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"mailagenda/internal/model"
)

const defaultDuration = time.Hour

// Event is a payload resolved to concrete times.
type Event struct {
	Summary     string
	Location    string
	Description string
	AllDay      bool
	// Start/End are instants for timed events; for all-day events only the
	// date of Start matters and End is the exclusive next day.
	Start time.Time
	End   time.Time
}

var (
	clockPattern = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})\s*(am|pm)?\b`)

	dateLayouts = []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
		"January 2, 2006",
		"January 2 2006",
		"Jan 2, 2006",
		"Jan 2 2006",
		"2 January 2006",
		"2 Jan 2006",
		"Monday, January 2, 2006",
	}

	dateTimeLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	}
)

// Normalize resolves relative and partial times against now in loc.
//
//   - start_time "today"/"tomorrow" is that day; an HH:MM inside it sets
//     the clock, otherwise the current time is kept.
//   - a bare HH:MM start lands on the payload date, or today.
//   - a date with no usable start time becomes an all-day event.
//   - a missing or unusable end is start + 1h.
//   - a title with no anchor at all becomes an all-day event today.
func Normalize(p model.EventPayload, now time.Time, loc *time.Location) Event {
	now = now.In(loc)
	ev := Event{
		Summary:     p.Title,
		Location:    p.Location,
		Description: p.Description,
	}

	startSrc := p.StartTime
	if strings.TrimSpace(startSrc) == "" {
		if _, ok := parseDateTime(strings.TrimSpace(p.Date), loc); ok {
			startSrc = p.Date
		}
	}

	day, hasDay := parseDate(p.Date, now, loc)
	start, hasStart := parseStart(startSrc, day, hasDay, now, loc)

	if !hasStart {
		if !hasDay {
			day = midnight(now)
		}
		ev.AllDay = true
		ev.Start = day
		ev.End = day.AddDate(0, 0, 1)
		return ev
	}

	ev.Start = start
	ev.End = start.Add(defaultDuration)
	if end, ok := parseEnd(p.EndTime, start, loc); ok && end.After(start) {
		ev.End = end
	}
	return ev
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func parseDate(s string, now time.Time, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "tomorrow"):
		return midnight(now).AddDate(0, 0, 1), true
	case strings.Contains(lower, "today"):
		return midnight(now), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	if t, ok := parseDateTime(s, loc); ok {
		return midnight(t), true
	}
	return time.Time{}, false
}

func parseDateTime(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseClock finds the first HH:MM[am|pm] in s.
func parseClock(s string) (hour, minute int, ok bool) {
	m := clockPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	switch strings.ToLower(m[3]) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

func atClock(day time.Time, hour, minute int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, day.Location())
}

func parseStart(s string, day time.Time, hasDay bool, now time.Time, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	lower := strings.ToLower(s)
	relative := time.Time{}
	switch {
	case strings.Contains(lower, "tomorrow"):
		relative = now.AddDate(0, 0, 1)
	case strings.Contains(lower, "today"):
		relative = now
	}
	if !relative.IsZero() {
		if h, m, ok := parseClock(s); ok {
			return atClock(relative, h, m), true
		}
		return relative.Truncate(time.Minute), true
	}

	if t, ok := parseDateTime(s, loc); ok {
		return t, true
	}
	if h, m, ok := parseClock(s); ok {
		if !hasDay {
			day = midnight(now)
		}
		return atClock(day, h, m), true
	}
	return time.Time{}, false
}

func parseEnd(s string, start time.Time, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, ok := parseDateTime(s, loc); ok {
		return t, true
	}
	if h, m, ok := parseClock(s); ok {
		return atClock(start, h, m), true
	}
	return time.Time{}, false
}
