package domain

import (
	"testing"
	"time"
)

func TestNextWeek(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// 2020-12-31T20:00Z is already 2021-01-01 05:00 in Tokyo.
	now := time.Date(2020, 12, 31, 20, 0, 0, 0, time.UTC)
	w := NextWeek(now, tokyo)

	wantFrom := time.Date(2021, 1, 2, 0, 0, 0, 0, tokyo)
	if !w.From.Equal(wantFrom) {
		t.Fatalf("from = %v, want %v", w.From, wantFrom)
	}
	wantTo := time.Date(2021, 1, 8, 23, 59, 59, int(999*time.Millisecond), tokyo)
	if !w.To.Equal(wantTo) {
		t.Fatalf("to = %v, want %v", w.To, wantTo)
	}

	days := w.Days()
	if len(days) != WindowDays {
		t.Fatalf("expected %d days, got %d", WindowDays, len(days))
	}
	if got := days[6].Format("2006/01/02"); got != "2021/01/08" {
		t.Fatalf("last day = %s", got)
	}
}
