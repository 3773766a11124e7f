// Package timeutil holds the calendar conventions of the attendance
// domain: all human-facing timestamps are Western Indonesian Time (WIB,
// UTC+07:00) formatted as ISO-8601 with offset and seconds precision,
// and schedule rules are keyed by Indonesian day names.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WIB is UTC+07:00. A fixed zone avoids a tzdata dependency at runtime.
var WIB = time.FixedZone("WIB", 7*3600)

// DayNames maps time.Weekday (Sunday = 0) to Indonesian day names.
var DayNames = [7]string{"Minggu", "Senin", "Selasa", "Rabu", "Kamis", "Jumat", "Sabtu"}

// DayName returns the Indonesian name for t's weekday in WIB.
func DayName(t time.Time) string {
	return DayNames[t.In(WIB).Weekday()]
}

// FormatISO renders t in WIB as ISO-8601 with offset, seconds precision.
func FormatISO(t time.Time) string {
	return t.In(WIB).Format("2006-01-02T15:04:05-07:00")
}

// DateKey renders t's WIB calendar date as YYYY-MM-DD.
func DateKey(t time.Time) string {
	return t.In(WIB).Format("2006-01-02")
}

// ParseEventTS parses an event timestamp. Accepts RFC 3339 (a trailing Z
// is normalized), and a handful of legacy layouts. Timestamps without an
// offset are taken as WIB.
func ParseEventTS(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999-07:00",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, s, WIB); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ParseDate parses a YYYY-MM-DD date in WIB.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", strings.TrimSpace(s), WIB)
}

// ClampGrace bounds a grace period to 0..240 minutes.
func ClampGrace(v int) int {
	if v < 0 {
		return 0
	}
	if v > 240 {
		return 240
	}
	return v
}

// NormalizeHHMM validates and canonicalizes an HH:MM string, zero-padding
// the hour. Returns "" for invalid input.
func NormalizeHHMM(s string) string {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return ""
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return ""
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// HHMMToMinutes converts a normalized HH:MM string to minutes since
// midnight. Returns -1 for invalid input.
func HHMMToMinutes(s string) int {
	n := NormalizeHHMM(s)
	if n == "" {
		return -1
	}
	h, _ := strconv.Atoi(n[:2])
	m, _ := strconv.Atoi(n[3:])
	return h*60 + m
}

// HumanizeSecs renders a duration in Indonesian, e.g. "1 jam 21 menit".
func HumanizeSecs(secs int) string {
	if secs < 0 {
		secs = 0
	}
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%d jam", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%d menit", m))
	}
	if s > 0 && h == 0 {
		parts = append(parts, fmt.Sprintf("%d detik", s))
	}
	if len(parts) == 0 {
		return "0 detik"
	}
	return strings.Join(parts, " ")
}
