package google

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	gcal "google.golang.org/api/calendar/v3"

	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

const (
	dateLayout      = "2006-01-02"
	icalDateLayout  = "20060102"
	defaultDuration = time.Hour
	statusCancelled = "cancelled"
)

// fromCalendarEntry maps a calendar list entry.
func fromCalendarEntry(item *gcal.CalendarListEntry) *model.Calendar {
	fg, err := model.ParseColor(item.ForegroundColor)
	if err != nil {
		fg = model.MustColor("#000000")
	}
	bg, err := model.ParseColor(item.BackgroundColor)
	if err != nil {
		bg = model.MustColor("#039be5")
	}
	name := item.Summary
	if item.SummaryOverride != "" {
		name = item.SummaryOverride
	}
	data := map[string]any{"timezone": item.TimeZone}
	if item.Description != "" {
		data["description"] = item.Description
	}
	return model.NewCalendar(item.Id, name, model.ParseAccessRole(item.AccessRole), fg, bg, data, item.Primary)
}

// fromColors converts the account's event palette.
func fromColors(c *gcal.Colors) model.Palette {
	if c == nil || len(c.Event) == 0 {
		return nil
	}
	p := make(model.Palette, len(c.Event))
	for id, def := range c.Event {
		fg, err := model.ParseColor(def.Foreground)
		if err != nil {
			continue
		}
		bg, err := model.ParseColor(def.Background)
		if err != nil {
			continue
		}
		p[id] = model.EventColors{FgColor: fg, BgColor: bg}
	}
	return p
}

// parseEventTime reads a date or date-time. Dates are local midnight.
func parseEventTime(dt *gcal.EventDateTime) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, nil
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		if dt.TimeZone != "" {
			if loc, err := time.LoadLocation(dt.TimeZone); err == nil {
				t = t.In(loc)
			}
		}
		return t, false, nil
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation(dateLayout, dt.Date, time.Local)
		return t, true, err
	}
	return time.Time{}, false, nil
}

// fromGoogle maps a single API event. Recurrence lines are split into the
// RRULE and the EXDATE list.
func fromGoogle(item *gcal.Event, cal *model.Calendar, palette model.Palette) (*model.Event, error) {
	ev := &model.Event{
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Calendar:    cal,
	}
	ev.SetID(item.Id)

	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return nil, err
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		return nil, err
	}
	ev.Start, ev.AllDay = start, allDay
	if item.Start != nil {
		ev.Timezone = item.Start.TimeZone
	}
	switch {
	case end.After(start):
		ev.End = end
	case allDay:
		ev.End = start.AddDate(0, 0, 1)
	default:
		ev.End = start.Add(defaultDuration)
	}

	if len(item.Recurrence) > 0 {
		props, err := recurrenceProps(item.Recurrence)
		if err != nil {
			return nil, fmt.Errorf("google: event %s: %w", item.Id, err)
		}
		if p := props.Get(ical.PropRecurrenceRule); p != nil {
			ev.Recurrence = p.Value
		}
		for _, t := range exDates(props) {
			ev.AddExDate(t)
		}
	}

	if item.ColorId != "" {
		if c, ok := palette[item.ColorId]; ok {
			fg, bg := c.FgColor, c.BgColor
			ev.FgColor, ev.BgColor = &fg, &bg
		}
		ev.Data["color_id"] = item.ColorId
	}

	if item.Reminders != nil && len(item.Reminders.Overrides) > 0 {
		r := item.Reminders.Overrides[0]
		ev.Alarm = model.NewAlarm(ev.Start, -time.Duration(r.Minutes)*time.Minute, ev.Title, "DISPLAY")
	}
	return ev, nil
}

// recurrenceProps decodes the raw iCalendar lines the API returns for a
// series by wrapping them in a minimal calendar object.
func recurrenceProps(lines []string) (ical.Props, error) {
	var sb strings.Builder
	sb.WriteString("BEGIN:VCALENDAR\r\nBEGIN:VEVENT\r\n")
	for _, line := range lines {
		sb.WriteString(strings.TrimSpace(line))
		sb.WriteString("\r\n")
	}
	sb.WriteString("END:VEVENT\r\nEND:VCALENDAR\r\n")

	cal, err := ical.NewDecoder(strings.NewReader(sb.String())).Decode()
	if err != nil {
		return nil, fmt.Errorf("decoding recurrence: %w", err)
	}
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			return child.Props, nil
		}
	}
	return ical.Props{}, nil
}

// exDates expands every EXDATE value. Dates are midnight in the local zone;
// date-times honour TZID.
func exDates(props ical.Props) []time.Time {
	var out []time.Time
	for _, p := range props.Values(ical.PropExceptionDates) {
		for _, v := range strings.Split(p.Value, ",") {
			single := p
			single.Value = strings.TrimSpace(v)
			t, err := single.DateTime(time.Local)
			if err != nil {
				appLog.Debug("google: ignoring unparsable EXDATE", "value", v)
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

func toEventDateTime(t time.Time, allDay bool, tz string) *gcal.EventDateTime {
	if allDay {
		return &gcal.EventDateTime{Date: t.Format(dateLayout)}
	}
	return &gcal.EventDateTime{DateTime: t.Format(time.RFC3339), TimeZone: tz}
}

// toGoogle maps ev for insert or update. Overrides are not included; they
// are written as separate instance updates.
func toGoogle(ev *model.Event, palette model.Palette) *gcal.Event {
	end := ev.End
	if !end.After(ev.Start) {
		if ev.AllDay {
			end = ev.Start.AddDate(0, 0, 1)
		} else {
			end = ev.Start.Add(defaultDuration)
		}
	}
	g := &gcal.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       toEventDateTime(ev.Start, ev.AllDay, ev.Timezone),
		End:         toEventDateTime(end, ev.AllDay, ev.Timezone),
	}

	if ev.Recurrence != "" {
		g.Recurrence = append(g.Recurrence, "RRULE:"+strings.TrimPrefix(ev.Recurrence, "RRULE:"))
		if len(ev.ExDates) > 0 {
			values := make([]string, 0, len(ev.ExDates))
			for _, t := range ev.ExDates {
				if ev.AllDay {
					values = append(values, t.In(ev.Start.Location()).Format(icalDateLayout))
				} else {
					values = append(values, model.OccurrenceKey(t))
				}
			}
			prefix := "EXDATE:"
			if ev.AllDay {
				prefix = "EXDATE;VALUE=DATE:"
			}
			g.Recurrence = append(g.Recurrence, prefix+strings.Join(values, ","))
		}
	}

	if ev.BgColor != nil {
		if id, ok := palette.IDFor(*ev.BgColor); ok {
			g.ColorId = id
		}
	}

	g.Reminders = &gcal.EventReminders{UseDefault: ev.Alarm == nil, ForceSendFields: []string{"UseDefault"}}
	if ev.Alarm != nil {
		g.Reminders.Overrides = []*gcal.EventReminder{{
			Method:  "popup",
			Minutes: int64(-ev.Alarm.Trigger / time.Minute),
		}}
	}
	return g
}

// instanceID is the API id of one occurrence of a recurring event.
func instanceID(rootID string, orig time.Time, allDay bool) string {
	if allDay {
		return rootID + "_" + orig.Format(icalDateLayout)
	}
	return rootID + "_" + model.OccurrenceKey(orig)
}
