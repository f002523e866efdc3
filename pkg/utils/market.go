package utils

import (
	"fmt"
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MinuteOfDay returns minutes since local midnight (IST) for t.
func MinuteOfDay(t time.Time) int {
	l := t.In(IndiaLocation)
	return l.Hour()*60 + l.Minute()
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM): %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// SessionDate truncates t to its IST calendar date.
func SessionDate(t time.Time) time.Time {
	l := t.In(IndiaLocation)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, IndiaLocation)
}

// At returns the IST instant at the given minute of day on date's calendar day.
func At(date time.Time, minutes int) time.Time {
	d := SessionDate(date)
	return d.Add(time.Duration(minutes) * time.Minute)
}

// ParseDate parses a YYYY-MM-DD date in IST.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, IndiaLocation)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

// IsWeekday reports whether date falls on Monday to Friday.
func IsWeekday(date time.Time) bool {
	wd := date.In(IndiaLocation).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// TradingDays lists the weekdays between from and to inclusive. Exchange
// holidays are not known here; days without data are skipped by callers.
func TradingDays(from, to time.Time) []time.Time {
	var days []time.Time
	for d := SessionDate(from); !d.After(SessionDate(to)); d = d.AddDate(0, 0, 1) {
		if IsWeekday(d) {
			days = append(days, d)
		}
	}
	return days
}
