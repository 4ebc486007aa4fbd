package jobs

import (
	"testing"
	"time"
)

func TestParseRecurrence(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 3, 10, 8, 15, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		next time.Time
	}{
		{"90m", from.Add(90 * time.Minute)},
		{"02:30", from.Add(150 * time.Minute)},
		{"every:01:00", from.Add(time.Hour)},
		{"@every 6h", from.Add(6 * time.Hour)},
		{"0 9 * * *", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
		{"cron:30 7 * * *", time.Date(2026, 3, 11, 7, 30, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		sched, err := ParseRecurrence(tt.raw)
		if err != nil {
			t.Fatalf("ParseRecurrence(%q): %v", tt.raw, err)
		}
		if got := sched.Next(from); !got.Equal(tt.next) {
			t.Fatalf("ParseRecurrence(%q).Next = %v, want %v", tt.raw, got, tt.next)
		}
	}

	for _, raw := range []string{"", "soon", "30s", "@every 5s", "1:75", "cron:"} {
		if _, err := ParseRecurrence(raw); err == nil {
			t.Fatalf("ParseRecurrence(%q) = nil error", raw)
		}
	}
}
