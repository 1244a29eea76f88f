package digest

import (
	"strings"
	"testing"
	"time"

	"calnotify/internal/domain"
)

func mustLoad(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

var today = time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC)

func TestFormatWeek(t *testing.T) {
	f := New(mustLoad(t))
	events := []domain.Event{
		{Summary: "予定1", Start: utc("2021-01-01T00:00:00Z"), End: utc("2021-01-01T01:00:00Z"), CalendarName: "メインカレンダー"},
		{Summary: "予定2", Start: utc("2021-01-02T00:00:00Z"), End: utc("2021-01-02T01:00:00Z"), CalendarName: "仕事"},
	}

	want := `明日から1週間の予定です。
📅 2021/01/01
09:00-10:00 [メインカレンダー] 予定1

📅 2021/01/02
09:00-10:00 [仕事] 予定2

📅 2021/01/03
予定なし

📅 2021/01/04
予定なし

📅 2021/01/05
予定なし

📅 2021/01/06
予定なし

📅 2021/01/07
予定なし`

	if got := f.FormatAt(events, today); got != want {
		t.Fatalf("unexpected digest:\n%s\n--- want ---\n%s", got, want)
	}
}

func TestFormatAllDay(t *testing.T) {
	loc := mustLoad(t)
	f := New(loc)
	events := []domain.Event{
		{Summary: "予定1", Start: time.Date(2021, 1, 1, 0, 0, 0, 0, loc), End: time.Date(2021, 1, 2, 0, 0, 0, 0, loc), AllDay: true, CalendarName: "プライベート"},
	}

	got := f.FormatAt(events, today)
	if !strings.HasPrefix(got, "明日から1週間の予定です。\n📅 2021/01/01\n終日 [プライベート] 予定1\n\n📅 2021/01/02\n予定なし") {
		t.Fatalf("unexpected digest:\n%s", got)
	}
}

func TestFormatEmptyRendersEveryDay(t *testing.T) {
	f := New(mustLoad(t))
	got := f.FormatAt(nil, today)

	if strings.Count(got, "📅 ") != domain.WindowDays {
		t.Fatalf("expected %d day blocks:\n%s", domain.WindowDays, got)
	}
	if strings.Count(got, NoEvents) != domain.WindowDays {
		t.Fatalf("expected every day empty:\n%s", got)
	}
	if strings.HasSuffix(got, "\n") {
		t.Fatal("digest must not end with a blank line")
	}
	if strings.Contains(got, "\n\n\n") {
		t.Fatal("blocks must be separated by exactly one blank line")
	}
}

func TestFormatLineVariants(t *testing.T) {
	loc := mustLoad(t)
	f := New(loc)
	events := []domain.Event{
		{Summary: "Floating"},
		{Summary: "Open ended", Start: time.Date(2021, 1, 3, 14, 30, 0, 0, loc)},
		{Summary: "Plain", Start: time.Date(2021, 1, 3, 15, 0, 0, 0, loc), End: time.Date(2021, 1, 3, 16, 0, 0, 0, loc)},
		{Summary: "Past window", Start: time.Date(2021, 1, 9, 9, 0, 0, 0, loc)},
		{Summary: "Today", Start: time.Date(2020, 12, 31, 20, 0, 0, 0, loc)},
	}

	got := f.FormatAt(events, today)
	if !strings.Contains(got, "📅 2021/01/03\n14:30- Open ended\n15:00-16:00 Plain\n\n") {
		t.Fatalf("unexpected day block:\n%s", got)
	}
	for _, absent := range []string{"Floating", "Past window", "Today"} {
		if strings.Contains(got, absent) {
			t.Fatalf("%q must not be rendered:\n%s", absent, got)
		}
	}
}

func TestFormatUsesClock(t *testing.T) {
	f := New(mustLoad(t))
	f.Now = func() time.Time { return today }
	if got := f.Format(nil); !strings.Contains(got, "📅 2021/01/01\n") || strings.Contains(got, "2021/01/08") {
		t.Fatalf("unexpected window:\n%s", got)
	}
}
