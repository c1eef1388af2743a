package timeutil

import (
	"testing"
	"time"
)

func TestFormatRemaining(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{d: 0, want: "0s"},
		{d: -time.Minute, want: "0s"},
		{d: 500 * time.Millisecond, want: "1s"},
		{d: 10 * time.Second, want: "10s"},
		{d: 61 * time.Second, want: "1m 1s"},
		{d: 5 * time.Minute, want: "5m 0s"},
		{d: 2*time.Hour + 5*time.Minute + 10*time.Second, want: "2h 5m 10s"},
		{d: time.Hour, want: "1h 0m 0s"},
		{d: time.Hour + 30*time.Second, want: "1h 0m 30s"},
	}

	for _, tc := range cases {
		if got := FormatRemaining(tc.d); got != tc.want {
			t.Errorf("FormatRemaining(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestSecondsCeil(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int64
	}{
		{d: 0, want: 0},
		{d: -time.Second, want: 0},
		{d: time.Millisecond, want: 1},
		{d: time.Second, want: 1},
		{d: time.Second + time.Nanosecond, want: 2},
		{d: 90 * time.Second, want: 90},
	}

	for _, tc := range cases {
		if got := SecondsCeil(tc.d); got != tc.want {
			t.Errorf("SecondsCeil(%v) = %d, want %d", tc.d, got, tc.want)
		}
	}
}

func TestNowUTC(t *testing.T) {
	if loc := NowUTC().Location(); loc != time.UTC {
		t.Fatalf("location = %v, want UTC", loc)
	}
}
