package model

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"
)

// OccurrenceKeyLayout formats occurrence keys and unique ids.
const OccurrenceKeyLayout = "20060102T150405Z"

// PlaceholderPrefix marks ids minted locally for events that never reached
// the remote calendar.
const PlaceholderPrefix = "non-sync"

// IsPlaceholderID reports whether id was minted locally.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// OccurrenceKey formats t as the canonical occurrence key (UTC).
func OccurrenceKey(t time.Time) string {
	return t.UTC().Format(OccurrenceKeyLayout)
}

// ParseOccurrenceKey is the inverse of OccurrenceKey.
func ParseOccurrenceKey(key string) (time.Time, error) {
	return time.Parse(OccurrenceKeyLayout, key)
}

// Alarm is a reminder relative to the event start.
type Alarm struct {
	Trigger     time.Duration `json:"trigger"`
	AlarmTime   time.Time     `json:"alarm_time"`
	Description string        `json:"description,omitempty"`
	Action      string        `json:"action"`
}

// NewAlarm computes the absolute alarm time from start and trigger.
func NewAlarm(start time.Time, trigger time.Duration, description, action string) *Alarm {
	return &Alarm{
		Trigger:     trigger,
		AlarmTime:   start.Add(trigger),
		Description: description,
		Action:      action,
	}
}

// Event is a calendar event. A root event may carry a recurrence rule; its
// expanded occurrences carry RecurringEventID instead.
//
// The zero value is synchronized; MarkDesynchronized is the only way to
// flip that.
type Event struct {
	ID          string    `json:"id,omitempty"`
	Title       string    `json:"title"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	// Timezone is an IANA zone id; empty means floating/local.
	Timezone string `json:"timezone,omitempty"`

	Calendar *Calendar `json:"calendar,omitempty"`
	FgColor  *Color    `json:"fg_color,omitempty"`
	BgColor  *Color    `json:"bg_color,omitempty"`

	// RecurringEventID is set only on occurrences, as an occurrence key.
	RecurringEventID string `json:"recurring_event_id,omitempty"`
	// Recurrence is an RRULE value such as "FREQ=DAILY;COUNT=3".
	Recurrence    string            `json:"recurrence,omitempty"`
	ExDates       []time.Time       `json:"exdates,omitempty"`
	Subcomponents map[string]*Event `json:"subcomponents,omitempty"`

	Alarm *Alarm         `json:"alarm,omitempty"`
	Data  map[string]any `json:"data,omitempty"`

	desynchronized bool
}

func (e *Event) IsRecurring() bool {
	return e.RecurringEventID != ""
}

func (e *Event) IsSynchronized() bool {
	return !e.desynchronized
}

// MarkDesynchronized flags the event as not confirmed by the remote side.
func (e *Event) MarkDesynchronized() {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data["synchronized"] = false
	e.desynchronized = true
}

// PrepareForSync drops local sync bookkeeping before a replay attempt.
func (e *Event) PrepareForSync() {
	delete(e.Data, "synchronized")
	e.desynchronized = false
}

// SetID updates the id and its mirror in Data.
func (e *Event) SetID(id string) {
	e.ID = id
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	if id == "" {
		delete(e.Data, "id")
		return
	}
	e.Data["id"] = id
}

// UniqueID identifies one appearance of the event, for notification de-dup.
func (e *Event) UniqueID() string {
	return e.ID + "#" + e.Start.Format(OccurrenceKeyLayout)
}

func (e *Event) EffectiveFgColor() Color {
	if e.FgColor != nil {
		return *e.FgColor
	}
	if e.Calendar != nil {
		return e.Calendar.FgColor
	}
	return Color{A: 0xff}
}

func (e *Event) EffectiveBgColor() Color {
	if e.BgColor != nil {
		return *e.BgColor
	}
	if e.Calendar != nil {
		return e.Calendar.BgColor
	}
	return Color{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
}

// HasExDate reports whether an occurrence key is excluded.
func (e *Event) HasExDate(key string) bool {
	return slices.ContainsFunc(e.ExDates, func(t time.Time) bool { return OccurrenceKey(t) == key })
}

// AddExDate adds t unless an exdate with the same key exists.
func (e *Event) AddExDate(t time.Time) {
	if e.HasExDate(OccurrenceKey(t)) {
		return
	}
	e.ExDates = append(e.ExDates, t)
}

// RemoveExDate removes the exdate matching key and reports whether one was found.
func (e *Event) RemoveExDate(key string) bool {
	n := len(e.ExDates)
	e.ExDates = slices.DeleteFunc(e.ExDates, func(t time.Time) bool { return OccurrenceKey(t) == key })
	return len(e.ExDates) != n
}

// Clone deep-copies the event. The calendar reference is shared.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.ExDates = slices.Clone(e.ExDates)
	c.Data = cloneData(e.Data)
	if e.FgColor != nil {
		fg := *e.FgColor
		c.FgColor = &fg
	}
	if e.BgColor != nil {
		bg := *e.BgColor
		c.BgColor = &bg
	}
	if e.Alarm != nil {
		a := *e.Alarm
		c.Alarm = &a
	}
	if e.Subcomponents != nil {
		c.Subcomponents = make(map[string]*Event, len(e.Subcomponents))
		for k, sub := range e.Subcomponents {
			c.Subcomponents[k] = sub.Clone()
		}
	}
	return &c
}

func cloneData(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneData(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// MarshalJSON persists the sync flag alongside the exported fields.
func (e *Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		*alias
		Synchronized bool `json:"synchronized"`
	}{(*alias)(e), !e.desynchronized})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	type alias Event
	aux := struct {
		*alias
		Synchronized *bool `json:"synchronized"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	e.desynchronized = aux.Synchronized != nil && !*aux.Synchronized
	return nil
}

// EventInstance pairs a recurring root event with one expanded occurrence.
type EventInstance struct {
	RootEvent  *Event `json:"-"`
	Instance   *Event `json:"instance"`
	InstanceID string `json:"instance_id"`
}

// NewEventInstance builds an EventInstance; InstanceID mirrors the occurrence key.
func NewEventInstance(root, instance *Event) EventInstance {
	return EventInstance{RootEvent: root, Instance: instance, InstanceID: instance.RecurringEventID}
}

// Result is either a single event or the expanded instances of a series.
// Event is always set: for a series it is the root.
type Result struct {
	Event     *Event          `json:"event"`
	Instances []EventInstance `json:"instances,omitempty"`
}

// IsSeries reports whether the result represents a recurring root.
func (r Result) IsSeries() bool {
	return r.Event != nil && r.Event.Recurrence != ""
}

func (r Result) ID() string {
	if r.Event == nil {
		return ""
	}
	return r.Event.ID
}

func (r Result) IsSynchronized() bool {
	return r.Event == nil || r.Event.IsSynchronized()
}

// Todo is a VTODO entry. Todos are displayed but never synchronized back.
type Todo struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Start           time.Time      `json:"start,omitzero"`
	Due             time.Time      `json:"due,omitzero"`
	AllDay          bool           `json:"all_day"`
	Description     string         `json:"description,omitempty"`
	Location        string         `json:"location,omitempty"`
	Categories      []string       `json:"categories,omitempty"`
	PercentComplete int            `json:"percent_complete"`
	Calendar        *Calendar      `json:"calendar,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// sortedKeys is used where deterministic iteration matters.
func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
