package domain

import "time"

// Token is a user's OAuth credential pair as persisted by the token store.
type Token struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	// Expiry is optional. Zero means unknown.
	Expiry time.Time
}

// TokenUpdate carries the fields written back after a rotation. An empty
// RefreshToken leaves the stored one untouched.
type TokenUpdate struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// CalendarRef identifies a calendar a user follows.
type CalendarRef struct {
	ID   string
	Name string
}

// DefaultCalendar is used when a user has no subscriptions or they cannot be loaded.
var DefaultCalendar = CalendarRef{ID: "primary", Name: "メインカレンダー"}

// EventTime mirrors the provider's start/end shape: DateTime for timed
// events, Date (YYYY-MM-DD) for all-day events.
type EventTime struct {
	DateTime string
	Date     string
}

// RawEvent is an event as returned by the provider.
type RawEvent struct {
	ID      string
	Summary string
	Start   EventTime
	End     EventTime
}

// Event is the normalized form used for rendering. A zero Start or End
// means the provider did not supply one.
type Event struct {
	Summary      string
	Start        time.Time
	End          time.Time
	AllDay       bool
	CalendarName string
}
