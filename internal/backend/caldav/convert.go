package caldav

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

const (
	productID       = "-//deskcal//CalDAV sync//EN"
	defaultDuration = time.Hour
)

// toICal renders ev and its overrides as one calendar object.
func toICal(ev *model.Event, uid string, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	cal.Children = append(cal.Children, eventComponent(ev, uid, now))
	for _, key := range slices.Sorted(maps.Keys(ev.Subcomponents)) {
		sub := ev.Subcomponents[key]
		if sub == nil {
			continue
		}
		rid, err := model.ParseOccurrenceKey(key)
		if err != nil {
			appLog.Warn("caldav: skipping override with bad key", "uid", uid, "key", key)
			continue
		}
		comp := eventComponent(sub, uid, now)
		if ev.AllDay {
			comp.Props.SetDate(ical.PropRecurrenceID, rid.In(ev.Start.Location()))
		} else {
			comp.Props.SetDateTime(ical.PropRecurrenceID, rid)
		}
		comp.Props.Del(ical.PropRecurrenceRule)
		comp.Props.Del(ical.PropExceptionDates)
		cal.Children = append(cal.Children, comp)
	}
	return cal
}

func eventComponent(ev *model.Event, uid string, now time.Time) *ical.Component {
	e := ical.NewEvent()
	e.Props.SetText(ical.PropUID, uid)
	e.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	e.Props.SetText(ical.PropSummary, ev.Title)
	if ev.Description != "" {
		e.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		e.Props.SetText(ical.PropLocation, ev.Location)
	}

	if ev.AllDay {
		e.Props.SetDate(ical.PropDateTimeStart, ev.Start)
		end := ev.End
		if !end.After(ev.Start) {
			end = ev.Start.AddDate(0, 0, 1)
		}
		e.Props.SetDate(ical.PropDateTimeEnd, end)
	} else {
		loc := zone(ev.Timezone)
		e.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.In(loc))
		end := ev.End
		if !end.After(ev.Start) {
			end = ev.Start.Add(defaultDuration)
		}
		e.Props.SetDateTime(ical.PropDateTimeEnd, end.In(loc))
	}

	if ev.Recurrence != "" {
		rrule := ical.NewProp(ical.PropRecurrenceRule)
		rrule.Value = strings.TrimPrefix(ev.Recurrence, "RRULE:")
		e.Props.Set(rrule)
	}
	// EXDATE must share the value type of DTSTART, so all-day series
	// exclude dates in the event's own zone.
	for _, ex := range ev.ExDates {
		p := ical.NewProp(ical.PropExceptionDates)
		if ev.AllDay {
			p.SetDate(ex.In(ev.Start.Location()))
		} else {
			p.SetDateTime(ex.UTC())
		}
		e.Props.Add(p)
	}

	if ev.Alarm != nil {
		alarm := ical.NewComponent(ical.CompAlarm)
		action := ev.Alarm.Action
		if action == "" {
			action = "DISPLAY"
		}
		alarm.Props.SetText("ACTION", action)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.SetDuration(ev.Alarm.Trigger)
		alarm.Props.Set(trigger)
		desc := ev.Alarm.Description
		if desc == "" {
			desc = ev.Title
		}
		alarm.Props.SetText(ical.PropDescription, desc)
		e.Children = append(e.Children, alarm)
	}
	return e.Component
}

// zone resolves an IANA id. Unknown or empty ids fall back to UTC so the
// serialized value never carries a TZID the server cannot resolve.
func zone(tzid string) *time.Location {
	if tzid == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		return time.UTC
	}
	return loc
}

// fromObjects converts query results into root events and todos. Overrides
// are attached to their root's Subcomponents.
func fromObjects(objs []caldav.CalendarObject, cal *model.Calendar) ([]*model.Event, []*model.Todo) {
	var events []*model.Event
	var todos []*model.Todo
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		var root *model.Event
		overrides := make(map[string]*model.Event)
		for _, child := range obj.Data.Children {
			switch child.Name {
			case ical.CompEvent:
				ev, rid, err := parseEvent(child, cal)
				if err != nil {
					appLog.Warn("caldav: skipping event", "path", obj.Path, "err", err)
					continue
				}
				if rid != "" {
					ev.RecurringEventID = rid
					overrides[rid] = ev
					continue
				}
				ev.Data["href"] = obj.Path
				ev.Data["etag"] = obj.ETag
				root = ev
			case ical.CompToDo:
				todo, err := parseTodo(child, cal)
				if err != nil {
					appLog.Warn("caldav: skipping todo", "path", obj.Path, "err", err)
					continue
				}
				todos = append(todos, todo)
			}
		}
		if root == nil {
			continue
		}
		if len(overrides) > 0 && root.Recurrence != "" {
			root.Subcomponents = overrides
		}
		events = append(events, root)
	}
	return events, todos
}

func parseEvent(c *ical.Component, cal *model.Calendar) (*model.Event, string, error) {
	uid, _ := c.Props.Text(ical.PropUID)
	if uid == "" {
		return nil, "", errors.New("missing UID")
	}

	ev := &model.Event{Calendar: cal}
	ev.SetID(uid)
	ev.Title, _ = c.Props.Text(ical.PropSummary)
	ev.Description, _ = c.Props.Text(ical.PropDescription)
	ev.Location, _ = c.Props.Text(ical.PropLocation)

	dtStart := c.Props.Get(ical.PropDateTimeStart)
	if dtStart == nil {
		return nil, "", fmt.Errorf("event %s: missing DTSTART", uid)
	}
	ev.AllDay = dtStart.ValueType() == ical.ValueDate
	ev.Timezone = dtStart.Params.Get("TZID")

	start, err := dtStart.DateTime(time.Local)
	if err != nil {
		return nil, "", fmt.Errorf("event %s: DTSTART: %w", uid, err)
	}
	ev.Start = start
	ev.End = eventEnd(c, ev)

	if p := c.Props.Get(ical.PropRecurrenceRule); p != nil {
		ev.Recurrence = p.Value
	}
	for _, p := range c.Props.Values(ical.PropExceptionDates) {
		for _, part := range strings.Split(p.Value, ",") {
			single := p
			single.Value = strings.TrimSpace(part)
			t, err := single.DateTime(time.Local)
			if err != nil {
				appLog.Debug("caldav: ignoring unparsable EXDATE", "uid", uid, "value", part)
				continue
			}
			ev.AddExDate(t)
		}
	}

	ev.Alarm = firstAlarm(c.Children, ev.Start)

	var rid string
	if p := c.Props.Get(ical.PropRecurrenceID); p != nil {
		t, err := p.DateTime(time.Local)
		if err != nil {
			return nil, "", fmt.Errorf("event %s: RECURRENCE-ID: %w", uid, err)
		}
		rid = model.OccurrenceKey(t)
	}
	return ev, rid, nil
}

func eventEnd(c *ical.Component, ev *model.Event) time.Time {
	if p := c.Props.Get(ical.PropDateTimeEnd); p != nil {
		if end, err := p.DateTime(time.Local); err == nil && end.After(ev.Start) {
			return end
		}
	}
	if p := c.Props.Get(ical.PropDuration); p != nil {
		if d, err := p.Duration(); err == nil && d > 0 {
			return ev.Start.Add(d)
		}
	}
	if ev.AllDay {
		return ev.Start.AddDate(0, 0, 1)
	}
	return ev.Start.Add(defaultDuration)
}

func firstAlarm(children []*ical.Component, start time.Time) *model.Alarm {
	for _, child := range children {
		if child.Name != ical.CompAlarm {
			continue
		}
		trigger := child.Props.Get(ical.PropTrigger)
		if trigger == nil {
			continue
		}
		d, err := trigger.Duration()
		if err != nil {
			continue
		}
		desc, _ := child.Props.Text(ical.PropDescription)
		action, _ := child.Props.Text("ACTION")
		return model.NewAlarm(start, d, desc, action)
	}
	return nil
}

func parseTodo(c *ical.Component, cal *model.Calendar) (*model.Todo, error) {
	uid, _ := c.Props.Text(ical.PropUID)
	if uid == "" {
		return nil, errors.New("missing UID")
	}
	todo := &model.Todo{ID: uid, Calendar: cal, Data: map[string]any{"id": uid}}
	todo.Title, _ = c.Props.Text(ical.PropSummary)
	todo.Description, _ = c.Props.Text(ical.PropDescription)
	todo.Location, _ = c.Props.Text(ical.PropLocation)
	if p := c.Props.Get(ical.PropDateTimeStart); p != nil {
		todo.AllDay = p.ValueType() == ical.ValueDate
		todo.Start, _ = p.DateTime(time.Local)
	}
	if p := c.Props.Get("DUE"); p != nil {
		todo.AllDay = todo.AllDay || p.ValueType() == ical.ValueDate
		todo.Due, _ = p.DateTime(time.Local)
	}
	for _, p := range c.Props.Values("CATEGORIES") {
		for _, cat := range strings.Split(p.Value, ",") {
			if cat = strings.TrimSpace(cat); cat != "" {
				todo.Categories = append(todo.Categories, cat)
			}
		}
	}
	if p := c.Props.Get("PERCENT-COMPLETE"); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			todo.PercentComplete = n
		}
	}
	return todo, nil
}
