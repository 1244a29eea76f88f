package digest

import (
	"strings"
	"time"

	"calnotify/internal/domain"
)

const (
	Header       = "明日から1週間の予定です。"
	NoEvents     = "予定なし"
	AllDayMarker = "終日"
	dayPrefix    = "📅 "

	dateLayout = "2006/01/02"
	timeLayout = "15:04"
)

// Formatter renders events as a day-by-day digest for the week starting
// tomorrow. Every day is rendered in Location regardless of host timezone.
type Formatter struct {
	Location *time.Location
	Now      func() time.Time
}

func New(loc *time.Location) *Formatter {
	return &Formatter{Location: loc, Now: time.Now}
}

// Format renders events relative to the current time.
func (f *Formatter) Format(events []domain.Event) string {
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	return f.FormatAt(events, now())
}

// FormatAt renders events for the seven days following today. Events are
// expected in start order; events with no start or outside the week are
// left out.
func (f *Formatter) FormatAt(events []domain.Event, today time.Time) string {
	loc := f.location()
	days := domain.NextWeek(today, loc).Days()

	byDay := make(map[string][]string, len(days))
	for _, ev := range events {
		if ev.Start.IsZero() {
			continue
		}
		key := ev.Start.In(loc).Format(dateLayout)
		byDay[key] = append(byDay[key], f.line(ev))
	}

	blocks := make([]string, 0, len(days))
	for _, day := range days {
		key := day.Format(dateLayout)
		lines := byDay[key]
		if len(lines) == 0 {
			lines = []string{NoEvents}
		}
		blocks = append(blocks, dayPrefix+key+"\n"+strings.Join(lines, "\n"))
	}

	return Header + "\n" + strings.Join(blocks, "\n\n")
}

func (f *Formatter) line(ev domain.Event) string {
	var b strings.Builder
	if ev.AllDay {
		b.WriteString(AllDayMarker)
	} else {
		loc := f.location()
		b.WriteString(ev.Start.In(loc).Format(timeLayout))
		b.WriteString("-")
		if !ev.End.IsZero() {
			b.WriteString(ev.End.In(loc).Format(timeLayout))
		}
	}
	if ev.CalendarName != "" {
		b.WriteString(" [")
		b.WriteString(ev.CalendarName)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(ev.Summary)
	return b.String()
}

func (f *Formatter) location() *time.Location {
	if f.Location == nil {
		return time.UTC
	}
	return f.Location
}
