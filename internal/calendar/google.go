package calendar

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"calnotify/internal/domain"
)

// Access roles whose event details are readable.
var readableRoles = map[string]bool{"owner": true, "writer": true, "reader": true}

// GoogleGateway is a typed wrapper over the Calendar API scoped to the
// credentials carried by its HTTP client.
type GoogleGateway struct {
	service *gcal.Service
}

// NewGoogleGateway builds a gateway on top of an authorized client, usually
// from oauth.Session.HTTPClient. Extra options are appended (tests use
// option.WithEndpoint).
func NewGoogleGateway(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*GoogleGateway, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	service, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Calendar service: %w", err)
	}
	return &GoogleGateway{service: service}, nil
}

// ListCalendars returns the readable calendars of the authorized account.
func (g *GoogleGateway) ListCalendars(ctx context.Context) ([]domain.CalendarRef, error) {
	list, err := g.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calendar list: %w", err)
	}

	var refs []domain.CalendarRef
	for _, entry := range list.Items {
		if entry.Id == "" || !readableRoles[entry.AccessRole] {
			continue
		}
		name := entry.SummaryOverride
		if name == "" {
			name = entry.Summary
		}
		refs = append(refs, domain.CalendarRef{ID: entry.Id, Name: name})
	}
	return refs, nil
}

// ListEvents returns a single page of concrete event instances inside w,
// ordered by start time.
func (g *GoogleGateway) ListEvents(ctx context.Context, calendarID string, w domain.Window) ([]domain.RawEvent, error) {
	events, err := g.service.Events.List(calendarID).
		EventTypes("default").
		TimeMin(w.From.Format(time.RFC3339Nano)).
		TimeMax(w.To.Format(time.RFC3339Nano)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events for %s: %w", calendarID, err)
	}

	result := make([]domain.RawEvent, 0, len(events.Items))
	for _, e := range events.Items {
		raw := domain.RawEvent{ID: e.Id, Summary: e.Summary}
		if e.Start != nil {
			raw.Start = domain.EventTime{DateTime: e.Start.DateTime, Date: e.Start.Date}
		}
		if e.End != nil {
			raw.End = domain.EventTime{DateTime: e.End.DateTime, Date: e.End.Date}
		}
		result = append(result, raw)
	}
	return result, nil
}
