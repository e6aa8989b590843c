package model

import (
	"maps"
	"time"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [start, end) intersects the window.
func (w Window) Overlaps(start, end time.Time) bool {
	return start.Before(w.End) && end.After(w.Start)
}

// Horizon is the visible range relative to now, in days.
type Horizon struct {
	DaysInFuture int `json:"days_in_future"`
	DaysInPast   int `json:"days_in_past"`
}

// Window resolves the horizon against now.
func (h Horizon) Window(now time.Time) Window {
	return Window{
		Start: now.AddDate(0, 0, -h.DaysInPast),
		End:   now.AddDate(0, 0, h.DaysInFuture),
	}
}

// CalendarData is an immutable snapshot of one plugin's calendars. Use With
// and Without to derive modified copies.
type CalendarData struct {
	Calendars   map[string]*Calendar `json:"calendars"`
	Events      map[string]Result    `json:"events"`
	Todos       map[string]*Todo     `json:"todos,omitempty"`
	Colors      Palette              `json:"colors"`
	AccountName string               `json:"account_name,omitempty"`
	FetchedAt   time.Time            `json:"fetched_at"`
}

func (d *CalendarData) clone() *CalendarData {
	c := *d
	c.Events = maps.Clone(d.Events)
	if c.Events == nil {
		c.Events = make(map[string]Result)
	}
	return &c
}

// With returns a copy of the snapshot with id set to r.
func (d *CalendarData) With(id string, r Result) *CalendarData {
	c := d.clone()
	c.Events[id] = r
	return c
}

// Without returns a copy of the snapshot without id.
func (d *CalendarData) Without(id string) *CalendarData {
	if _, ok := d.Events[id]; !ok {
		return d
	}
	c := d.clone()
	delete(c.Events, id)
	return c
}

// Calendar looks up a calendar by id.
func (d *CalendarData) Calendar(id string) (*Calendar, bool) {
	if d == nil {
		return nil, false
	}
	c, ok := d.Calendars[id]
	return c, ok
}

// Event looks up an event (or series root) by id.
func (d *CalendarData) Event(id string) (Result, bool) {
	if d == nil {
		return Result{}, false
	}
	r, ok := d.Events[id]
	return r, ok
}

// EventIDs returns the event ids in sorted order.
func (d *CalendarData) EventIDs() []string {
	return sortedKeys(d.Events)
}
