package main

import (
	"testing"
	"time"

	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/storage"
)

func TestParseCheckTimeAt(t *testing.T) {
	// 2024-01-03 was a Wednesday
	now := time.Date(2024, 1, 3, 10, 15, 0, 0, time.Local)

	tests := []struct {
		name    string
		day     string
		clock   string
		want    time.Time
		wantErr bool
	}{
		{"time only", "", "18:30", time.Date(2024, 1, 3, 18, 30, 0, 0, time.Local), false},
		{"same weekday", "wednesday", "", time.Date(2024, 1, 3, 10, 15, 0, 0, time.Local), false},
		{"later weekday", "fri", "09:00", time.Date(2024, 1, 5, 9, 0, 0, 0, time.Local), false},
		{"earlier weekday wraps", "Monday", "00:00", time.Date(2024, 1, 8, 0, 0, 0, 0, time.Local), false},
		{"bad day", "someday", "", time.Time{}, true},
		{"bad format", "", "1830", time.Time{}, true},
		{"hour out of range", "", "24:00", time.Time{}, true},
		{"minute out of range", "", "12:60", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCheckTimeAt(now, tt.day, tt.clock)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestRollSnapshotLeavesStoredBudgetsAlone(t *testing.T) {
	site := &storage.SiteBudget{
		Website: "youtube.com",
		Usage:   storage.Usage{TotalTime: 120, LastAccessedDate: "2024-01-01"},
	}
	global := &storage.GlobalBudget{
		Websites: []string{"reddit.com"},
		Usage:    storage.Usage{TotalTime: 60, LastAccessedDate: "2024-01-02"},
	}

	snap := rollSnapshot(policy.Snapshot{Site: site, Global: global}, "2024-01-02")

	if snap.Site.TotalTime != 0 || snap.Site.LastAccessedDate != "2024-01-02" {
		t.Errorf("Expected stale site usage reset, got %+v", snap.Site.Usage)
	}
	if site.TotalTime != 120 {
		t.Errorf("Stored site budget was modified: %+v", site.Usage)
	}
	if snap.Global != global || snap.Global.TotalTime != 60 {
		t.Errorf("Current global usage should be kept, got %+v", snap.Global.Usage)
	}
}

func TestFormatAllowance(t *testing.T) {
	if got := formatAllowance(storage.Unrestricted); got != "unrestricted" {
		t.Errorf("Expected unrestricted, got %q", got)
	}
	if got := formatAllowance(90); got != "1m30s" {
		t.Errorf("Expected 1m30s, got %q", got)
	}
}
