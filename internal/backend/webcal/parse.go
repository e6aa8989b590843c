package webcal

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	goical "github.com/emersion/go-ical"

	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

const defaultDuration = time.Hour

// feed is the decoded content of one ICS payload.
type feed struct {
	Name        string
	RelCalID    string
	Description string
	Events      []*model.Event
	Todos       []*model.Todo
}

// parseFeed decodes body. Root events carry their RECURRENCE-ID overrides in
// Subcomponents; overrides whose series is missing are dropped.
func parseFeed(body []byte, cal *model.Calendar) (*feed, error) {
	if len(body) == 0 {
		return nil, errors.New("webcal: empty ICS body")
	}

	ic, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webcal: parsing ICS: %w", err)
	}

	out := &feed{}
	for _, p := range ic.CalendarProperties {
		switch strings.ToUpper(p.IANAToken) {
		case "X-WR-CALNAME":
			out.Name = p.Value
		case "X-WR-RELCALID":
			out.RelCalID = p.Value
		case "X-WR-CALDESC":
			out.Description = p.Value
		}
	}

	roots := make(map[string]*model.Event)
	var order []string
	type override struct {
		uid string
		key string
		ev  *model.Event
	}
	var overrides []override

	for _, comp := range ic.Components {
		switch c := comp.(type) {
		case *ical.VEvent:
			ev, rid, err := parseVEvent(c, cal)
			if err != nil {
				appLog.Warn("webcal: skipping event", "err", err)
				continue
			}
			if rid != nil {
				overrides = append(overrides, override{uid: ev.ID, key: model.OccurrenceKey(*rid), ev: ev})
				continue
			}
			if _, dup := roots[ev.ID]; !dup {
				order = append(order, ev.ID)
			}
			roots[ev.ID] = ev
		case *ical.VTodo:
			todo, err := parseVTodo(c, cal)
			if err != nil {
				appLog.Warn("webcal: skipping todo", "err", err)
				continue
			}
			out.Todos = append(out.Todos, todo)
		}
	}

	for _, o := range overrides {
		root, ok := roots[o.uid]
		if !ok || root.Recurrence == "" {
			appLog.Warn("webcal: override without recurring series", "uid", o.uid, "key", o.key)
			continue
		}
		if root.Subcomponents == nil {
			root.Subcomponents = make(map[string]*model.Event)
		}
		o.ev.RecurringEventID = o.key
		root.Subcomponents[o.key] = o.ev
	}

	for _, id := range order {
		out.Events = append(out.Events, roots[id])
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent, cal *model.Calendar) (*model.Event, *time.Time, error) {
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, nil, errors.New("missing UID")
	}

	ev := &model.Event{Calendar: cal}
	ev.SetID(uidProp.Value)
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return nil, nil, fmt.Errorf("event %s: missing DTSTART", ev.ID)
	}
	ev.AllDay = isDate(dtStart)
	ev.Timezone = param(dtStart, "TZID")

	if ev.AllDay {
		start, err := parsePropTime(dtStart)
		if err != nil {
			return nil, nil, fmt.Errorf("event %s: DTSTART: %w", ev.ID, err)
		}
		ev.Start = start
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return nil, nil, fmt.Errorf("event %s: DTSTART: %w", ev.ID, err)
		}
		ev.Start = start
	}

	ev.End = eventEnd(ve, ev)

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.Recurrence = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		ev.ExDates = append(ev.ExDates, parseTimeList(p)...)
	}
	slices.SortFunc(ev.ExDates, func(a, b time.Time) int { return a.Compare(b) })

	ev.Alarm = firstAlarm(ve.Components, ev.Start)

	var rid *time.Time
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		t, err := parsePropTime(p)
		if err != nil {
			return nil, nil, fmt.Errorf("event %s: RECURRENCE-ID: %w", ev.ID, err)
		}
		rid = &t
	}
	return ev, rid, nil
}

// eventEnd resolves DTEND, then DURATION, then the default length.
func eventEnd(ve *ical.VEvent, ev *model.Event) time.Time {
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		if ev.AllDay {
			if end, err := parsePropTime(p); err == nil {
				return end
			}
		} else if end, err := ve.GetEndAt(); err == nil && end.After(ev.Start) {
			return end
		}
	}
	if p := ve.GetProperty("DURATION"); p != nil {
		if d, err := parseDuration(p.Value); err == nil && d > 0 {
			return ev.Start.Add(d)
		}
	}
	if ev.AllDay {
		return ev.Start.AddDate(0, 0, 1)
	}
	return ev.Start.Add(defaultDuration)
}

func firstAlarm(children []ical.Component, start time.Time) *model.Alarm {
	for _, child := range children {
		va, ok := child.(*ical.VAlarm)
		if !ok {
			continue
		}
		trigger := va.GetProperty("TRIGGER")
		if trigger == nil {
			continue
		}
		d, err := parseDuration(trigger.Value)
		if err != nil {
			appLog.Debug("webcal: ignoring alarm with absolute trigger", "trigger", trigger.Value)
			continue
		}
		var desc, action string
		if p := va.GetProperty(ical.ComponentPropertyDescription); p != nil {
			desc = p.Value
		}
		if p := va.GetProperty("ACTION"); p != nil {
			action = p.Value
		}
		return model.NewAlarm(start, d, desc, action)
	}
	return nil
}

func parseVTodo(vt *ical.VTodo, cal *model.Calendar) (*model.Todo, error) {
	uidProp := vt.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, errors.New("missing UID")
	}
	todo := &model.Todo{ID: uidProp.Value, Calendar: cal, Data: map[string]any{"id": uidProp.Value}}
	if p := vt.GetProperty(ical.ComponentPropertySummary); p != nil {
		todo.Title = p.Value
	}
	if p := vt.GetProperty(ical.ComponentPropertyDescription); p != nil {
		todo.Description = p.Value
	}
	if p := vt.GetProperty(ical.ComponentPropertyLocation); p != nil {
		todo.Location = p.Value
	}
	if p := vt.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		todo.AllDay = isDate(p)
		if t, err := parsePropTime(p); err == nil {
			todo.Start = t
		}
	}
	if p := vt.GetProperty("DUE"); p != nil {
		todo.AllDay = todo.AllDay || isDate(p)
		if t, err := parsePropTime(p); err == nil {
			todo.Due = t
		}
	}
	for _, p := range vt.GetProperties("CATEGORIES") {
		for _, c := range strings.Split(p.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				todo.Categories = append(todo.Categories, c)
			}
		}
	}
	if p := vt.GetProperty("PERCENT-COMPLETE"); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			todo.PercentComplete = n
		}
	}
	return todo, nil
}

func param(p *ical.IANAProperty, name string) string {
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// isDate reports whether the property holds a DATE rather than a DATE-TIME.
func isDate(p *ical.IANAProperty) bool {
	if strings.EqualFold(param(p, "VALUE"), "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func parseTimeList(p *ical.IANAProperty) []time.Time {
	var out []time.Time
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, err := parseICSTime(part, param(p, "TZID"))
		if err != nil {
			appLog.Debug("webcal: ignoring unparsable date", "value", part, "err", err)
			continue
		}
		out = append(out, t)
	}
	return out
}

func parsePropTime(p *ical.IANAProperty) (time.Time, error) {
	return parseICSTime(p.Value, param(p, "TZID"))
}

// parseDuration reads an RFC 5545 DURATION value such as "-PT15M".
func parseDuration(v string) (time.Duration, error) {
	p := goical.NewProp(goical.PropDuration)
	p.Value = strings.TrimSpace(v)
	return p.Duration()
}

// parseICSTime parses DATE and DATE-TIME values, honouring TZID for local
// date-times. Dates are midnight in the local zone.
func parseICSTime(v, tzid string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		return time.Parse(model.OccurrenceKeyLayout, v)
	}

	loc := time.Local
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, time.Local)
}
