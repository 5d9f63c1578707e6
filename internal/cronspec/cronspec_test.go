package cronspec

import (
	"testing"
	"time"
)

func TestToUTC(t *testing.T) {
	// A winter anchor keeps the Europe/Berlin offset at +1.
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		expr     string
		timezone string
		want     string
	}{
		{"numeric hour shifted", "0 9 * * *", "Europe/Berlin", "0 8 * * *"},
		{"crosses midnight", "30 0 * * 1", "Europe/Berlin", "30 23 * * 1"},
		{"utc passthrough", "0 9 * * *", "UTC", "0 9 * * *"},
		{"empty tz passthrough", "0 9 * * *", "", "0 9 * * *"},
		{"wildcard hour untouched", "0 * * * *", "Europe/Berlin", "0 * * * *"},
		{"range hour untouched", "0 9-17 * * *", "Europe/Berlin", "0 9-17 * * *"},
		{"step hour untouched", "0 */2 * * *", "Europe/Berlin", "0 */2 * * *"},
		{"list hour untouched", "0 9,18 * * *", "Europe/Berlin", "0 9,18 * * *"},
		{"eastern offset", "0 3 * * *", "Asia/Tokyo", "0 18 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToUTC(tt.expr, tt.timezone, now)
			if err != nil {
				t.Fatalf("ToUTC(%q, %q): %v", tt.expr, tt.timezone, err)
			}
			if got != tt.want {
				t.Errorf("ToUTC(%q, %q) = %q, want %q", tt.expr, tt.timezone, got, tt.want)
			}
		})
	}
}

func TestToUTC_Errors(t *testing.T) {
	now := time.Now()
	if _, err := ToUTC("not a cron", "UTC", now); err == nil {
		t.Error("malformed expression should fail")
	}
	if _, err := ToUTC("0 9 * * *", "Neverland/Hook", now); err == nil {
		t.Error("unknown timezone should fail")
	}
}

func TestSchedule_NextFire(t *testing.T) {
	sched, err := Schedule("30 8 * * *")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	from := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	next := sched.Next(from)
	want := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}
