package calendar

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"calnotify/internal/domain"
)

// UntitledSummary replaces a missing event summary.
const UntitledSummary = "タイトルなし"

// EventLister fetches one calendar's events inside a window.
type EventLister interface {
	ListEvents(ctx context.Context, calendarID string, w domain.Window) ([]domain.RawEvent, error)
}

// Aggregator merges events from several calendars into one sorted list.
type Aggregator struct {
	lister   EventLister
	location *time.Location
	Logger   zerolog.Logger
}

// NewAggregator returns an aggregator that parses all-day dates in loc.
func NewAggregator(lister EventLister, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{lister: lister, location: loc, Logger: log.Logger}
}

type annotatedEvent struct {
	raw          domain.RawEvent
	calendarName string
}

// Collect fetches every calendar concurrently. A failing calendar is logged
// and skipped. Events sharing an id keep only the first occurrence in
// calendar order; events without an id are all kept.
func (a *Aggregator) Collect(ctx context.Context, calendars []domain.CalendarRef, w domain.Window) []domain.Event {
	results := make([][]domain.RawEvent, len(calendars))

	var wg sync.WaitGroup
	for i, ref := range calendars {
		wg.Add(1)
		go func(i int, ref domain.CalendarRef) {
			defer wg.Done()

			events, err := a.lister.ListEvents(ctx, ref.ID, w)
			if err != nil {
				a.Logger.Warn().Err(err).Str("calendar", ref.ID).Msg("Failed to fetch calendar events (skipping)")
				return
			}
			results[i] = events
		}(i, ref)
	}
	wg.Wait()

	var withID, withoutID []annotatedEvent
	seen := make(map[string]bool)
	for i, events := range results {
		for _, ev := range events {
			item := annotatedEvent{raw: ev, calendarName: calendars[i].Name}
			if ev.ID == "" {
				start := ev.Start.DateTime
				if start == "" {
					start = ev.Start.Date
				}
				if start == "" {
					start = "unknown"
				}
				a.Logger.Warn().
					Str("calendar", calendars[i].ID).
					Str("summary", ev.Summary).
					Str("start", start).
					Msg("Event without id, skipping deduplication")
				withoutID = append(withoutID, item)
				continue
			}
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			withID = append(withID, item)
		}
	}

	merged := append(withID, withoutID...)
	out := make([]domain.Event, 0, len(merged))
	for _, item := range merged {
		out = append(out, a.normalize(item))
	}

	// Zero start sorts first.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

func (a *Aggregator) normalize(item annotatedEvent) domain.Event {
	ev := item.raw
	summary := ev.Summary
	if summary == "" {
		summary = UntitledSummary
	}

	allDay := ev.Start.DateTime == "" && ev.Start.Date != ""
	out := domain.Event{
		Summary:      summary,
		AllDay:       allDay,
		CalendarName: item.calendarName,
	}
	if allDay {
		out.Start = a.parseDate(ev.Start.Date)
		out.End = a.parseDate(ev.End.Date)
	} else {
		out.Start = parseDateTime(ev.Start.DateTime)
		out.End = parseDateTime(ev.End.DateTime)
	}
	return out
}

func parseDateTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (a *Aggregator) parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation("2006-01-02", s, a.location)
	if err != nil {
		return time.Time{}
	}
	return t
}
