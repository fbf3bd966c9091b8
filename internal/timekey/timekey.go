// Package timekey maps calendar days to storage keys and back.
//
// Days are always computed in the location of the supplied time, which for the
// daemon is the process local timezone.
package timekey

import (
	"fmt"
	"strings"
	"time"
)

const (
	// Layout is the date layout used for day keys (YYYY-MM-DD).
	Layout = "2006-01-02"

	// DailyPrefix namespaces daily records so retention pruning never touches
	// any other key.
	DailyPrefix = "daily:"

	// LimitsKey holds the whole limits table.
	LimitsKey = "limits"
)

// DayKey returns the YYYY-MM-DD key for the calendar day containing t.
func DayKey(t time.Time) string {
	return t.Format(Layout)
}

// ParseDayKey parses a YYYY-MM-DD key as midnight in loc.
func ParseDayKey(key string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(Layout, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day key %q: %w", key, err)
	}
	return t, nil
}

// StorageKey returns the namespaced storage key for a day key.
func StorageKey(dayKey string) string {
	return DailyPrefix + dayKey
}

// ParseStorageKey extracts the day key from a namespaced storage key. The
// second return value is false for keys outside the daily namespace or with a
// malformed date.
func ParseStorageKey(key string) (string, bool) {
	if !strings.HasPrefix(key, DailyPrefix) {
		return "", false
	}
	day := strings.TrimPrefix(key, DailyPrefix)
	if _, err := ParseDayKey(day, time.UTC); err != nil {
		return "", false
	}
	return day, true
}

// DaysEnding returns n day keys, oldest first, for the n calendar days ending
// with the day of asOf (inclusive). n <= 0 yields nil.
func DaysEnding(asOf time.Time, n int) []string {
	if n <= 0 {
		return nil
	}
	// Anchor at noon so DST transitions never skip or repeat a date.
	noon := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 12, 0, 0, 0, asOf.Location())
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[n-1-i] = DayKey(noon.AddDate(0, 0, -i))
	}
	return keys
}

// Cutoff returns the day key retentionDays before asOf. Daily records dated
// strictly before the cutoff are outside the retention window.
func Cutoff(asOf time.Time, retentionDays int) string {
	noon := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 12, 0, 0, 0, asOf.Location())
	return DayKey(noon.AddDate(0, 0, -retentionDays))
}
