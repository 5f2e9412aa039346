// Package calendar holds the day, weekday and minute arithmetic shared by
// evaluation, ticking and rollover.
package calendar

import (
	"fmt"
	"strings"
	"time"
)

// DayKeyLayout is the local calendar date format used for day keys.
const DayKeyLayout = "2006-01-02"

// MinutesPerDay bounds minute-of-day values.
const MinutesPerDay = 24 * 60

// DayKey returns the local calendar date of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.Format(DayKeyLayout)
}

// Today returns the day key for the clock's current time.
func Today(c Clock) string {
	return DayKey(c.Now())
}

// ParseDayKey parses a YYYY-MM-DD day key in loc.
func ParseDayKey(key string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DayKeyLayout, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day key %q: %w", key, err)
	}
	return t, nil
}

// ValidDayKey reports whether key is a real calendar day.
func ValidDayKey(key string) bool {
	_, err := time.Parse(DayKeyLayout, key)
	return err == nil
}

// AddDays returns the day key days calendar days after key.
func AddDays(key string, days int) (string, error) {
	t, err := ParseDayKey(key, time.UTC)
	if err != nil {
		return "", err
	}
	return DayKey(t.AddDate(0, 0, days)), nil
}

// WeekdayIndex returns the Monday-based weekday of t (Monday=0, Sunday=6).
func WeekdayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// MinuteOfDay returns the minutes elapsed since local midnight (0..1439).
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// WithinWindow reports whether now falls in [start, end). When end is
// before start the window wraps past midnight.
func WithinWindow(start, end, now int) bool {
	if end < start {
		return now >= start || now < end
	}
	return now >= start && now < end
}

// FormatMinute renders a minute of day as HH:MM.
func FormatMinute(m int) string {
	m = ((m % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// FormatWindow renders a window as HH:MM-HH:MM.
func FormatWindow(start, end int) string {
	if end == MinutesPerDay {
		return FormatMinute(start) + "-24:00"
	}
	return FormatMinute(start) + "-" + FormatMinute(end)
}

// ParseClock parses HH:MM into a minute of day.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatBadge renders remaining seconds as compact badge text. Negative
// values render as an empty badge.
func FormatBadge(seconds int64) string {
	switch {
	case seconds < 0:
		return ""
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm", seconds/60)
	}

	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	if minutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, minutes)
}
