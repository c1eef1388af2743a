// Package timeutil normalizes every timestamp the service handles to UTC
// and formats user-facing remaining-time strings.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

func NowUTC() time.Time {
	return time.Now().UTC()
}

func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// FormatRemaining renders a duration as "2h 5m 10s", dropping leading
// zero components. Durations at or below zero render as "0s".
func FormatRemaining(d time.Duration) string {
	total := int64(d / time.Second)
	if d%time.Second > 0 {
		total++
	}
	if total <= 0 {
		return "0s"
	}

	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	parts := make([]string, 0, 3)
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || hours > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", seconds))
	return strings.Join(parts, " ")
}

// SecondsCeil reports the duration in whole seconds, rounding up so a
// caller told to retry after N seconds never retries early.
func SecondsCeil(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	return secs
}
