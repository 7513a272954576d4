package service

import (
	"testing"
	"time"
)

// at builds a time on a known weekday: 2024-01-01 is a Monday.
func at(weekday time.Weekday, hour, min int) time.Time {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // Monday
	offset := (int(weekday) - int(time.Monday) + 7) % 7
	return base.AddDate(0, 0, offset).Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute)
}

func TestParseWindowsVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		open   []time.Time
		closed []time.Time
	}{
		{
			name:   "weeknights",
			raw:    "Mon-Fri 22:00-24:00",
			open:   []time.Time{at(time.Monday, 22, 0), at(time.Friday, 23, 59)},
			closed: []time.Time{at(time.Monday, 21, 59), at(time.Saturday, 23, 0)},
		},
		{
			name:   "whole days",
			raw:    "Sat,Sun",
			open:   []time.Time{at(time.Saturday, 0, 0), at(time.Sunday, 12, 30)},
			closed: []time.Time{at(time.Monday, 12, 0)},
		},
		{
			name:   "combined clauses",
			raw:    "Mon-Fri 22:00-24:00; Sat,Sun",
			open:   []time.Time{at(time.Wednesday, 22, 30), at(time.Sunday, 3, 0)},
			closed: []time.Time{at(time.Wednesday, 12, 0)},
		},
		{
			name: "wrapping day range",
			raw:  "Fri-Mon",
			open: []time.Time{at(time.Friday, 1, 0), at(time.Sunday, 1, 0), at(time.Monday, 1, 0)},
			closed: []time.Time{
				at(time.Tuesday, 1, 0), at(time.Thursday, 1, 0),
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseWindows(tt.raw)
			if err != nil {
				t.Fatalf("ParseWindows(%q) error: %v", tt.raw, err)
			}
			if w.Always() {
				t.Fatalf("ParseWindows(%q) is unrestricted", tt.raw)
			}
			for _, ts := range tt.open {
				if !w.Open(ts) {
					t.Errorf("Open(%s %s) = false, want true", ts.Weekday(), ts.Format("15:04"))
				}
			}
			for _, ts := range tt.closed {
				if w.Open(ts) {
					t.Errorf("Open(%s %s) = true, want false", ts.Weekday(), ts.Format("15:04"))
				}
			}
		})
	}
}

func TestParseWindowsEmpty(t *testing.T) {
	t.Parallel()
	w, err := ParseWindows("   ")
	if err != nil {
		t.Fatalf("ParseWindows error: %v", err)
	}
	if !w.Always() {
		t.Fatal("empty schedule should be always open")
	}
	if !w.Open(time.Now()) {
		t.Fatal("always-open schedule rejected current time")
	}
}

func TestParseWindowsInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		"Funday",
		"Mon 25:00-26:00",
		"Mon 10:00",
		"Mon 12:00-12:00",
		"Mon 13:00-12:00",
		"Mon 24:30-24:45",
	} {
		if _, err := ParseWindows(raw); err == nil {
			t.Errorf("ParseWindows(%q) succeeded, want error", raw)
		}
	}
}

func TestParseMinuteEndOfDay(t *testing.T) {
	t.Parallel()
	got, err := parseMinute("24:00")
	if err != nil {
		t.Fatalf("parseMinute(24:00) error: %v", err)
	}
	if got != 24*60 {
		t.Fatalf("parseMinute(24:00) = %d, want %d", got, 24*60)
	}
}
