package domain

import "time"

// WindowDays is the number of days covered by a digest, starting tomorrow.
const WindowDays = 7

// Window is a closed time range used for event queries.
type Window struct {
	From time.Time
	To   time.Time
}

// NextWeek returns tomorrow 00:00 through the end of day +7, both in loc.
func NextWeek(now time.Time, loc *time.Location) Window {
	local := now.In(loc)
	y, m, d := local.Date()
	from := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	to := time.Date(y, m, d+WindowDays, 23, 59, 59, int(999*time.Millisecond), loc)
	return Window{From: from, To: to}
}

// Days returns the civil day starts covered by the window, in order.
func (w Window) Days() []time.Time {
	var days []time.Time
	loc := w.From.Location()
	y, m, d := w.From.Date()
	for i := 0; ; i++ {
		day := time.Date(y, m, d+i, 0, 0, 0, 0, loc)
		if day.After(w.To) {
			return days
		}
		days = append(days, day)
	}
}
