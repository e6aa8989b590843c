// Package recurrence expands recurring root events into concrete occurrences
// within a display window.
package recurrence

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

const (
	// MaxOccurrences caps a single expansion so an unbounded rule over a wide
	// window cannot flood a snapshot.
	MaxOccurrences = 5000

	defaultDuration = time.Hour
)

// Source produces raw occurrence start times. *rrule.Set satisfies it.
type Source interface {
	Between(after, before time.Time, inc bool) []time.Time
}

// NewSource builds a rule set from root's RRULE with DTSTART at the root
// start and root's exdates applied.
func NewSource(root *model.Event) (*rrule.Set, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(root.Recurrence), "RRULE:")
	if raw == "" {
		return nil, errors.New("recurrence: event has no rule")
	}

	start := localStart(root)
	r, err := rrule.StrToRRule(raw)
	if err != nil {
		return nil, fmt.Errorf("recurrence: parsing rule %q: %w", raw, err)
	}
	r.DTStart(start)

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range root.ExDates {
		set.ExDate(ex.In(start.Location()))
	}
	return set, nil
}

// localStart moves the root start into its declared zone so that daily and
// weekly rules keep their wall-clock time across DST changes.
func localStart(root *model.Event) time.Time {
	if root.Timezone == "" {
		return root.Start
	}
	loc, err := time.LoadLocation(root.Timezone)
	if err != nil {
		appLog.Warn("recurrence: unknown timezone, using event offset", "id", root.ID, "tz", root.Timezone)
		return root.Start
	}
	return root.Start.In(loc)
}

// duration returns the occurrence length, falling back to one hour when the
// source carries no usable end.
func duration(ev *model.Event) time.Duration {
	if d := ev.End.Sub(ev.Start); d > 0 {
		return d
	}
	if ev.AllDay {
		return 24 * time.Hour
	}
	return defaultDuration
}

// Expand returns the occurrences of root produced by src that overlap the
// half-open window, ordered by start. Exdates are skipped and subcomponent
// overrides replace the synthesized occurrence.
func Expand(root *model.Event, src Source, w model.Window) []model.EventInstance {
	d := duration(root)

	// Occurrences starting up to one duration before the window can still
	// reach into it.
	starts := src.Between(w.Start.Add(-d), w.End, true)
	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })

	out := make([]model.EventInstance, 0, len(starts))
	for _, occStart := range starts {
		occEnd := occStart.Add(d)
		if !w.Overlaps(occStart, occEnd) {
			continue
		}
		key := model.OccurrenceKey(occStart)
		if root.HasExDate(key) {
			continue
		}
		if len(out) == MaxOccurrences {
			appLog.Error("recurrence: truncated occurrences due to cap",
				errors.New("max occurrences reached"),
				"id", root.ID,
				"cap", MaxOccurrences,
			)
			break
		}

		var inst *model.Event
		if override, ok := root.Subcomponents[key]; ok && override != nil {
			inst = fromOverride(root, override, occStart, occEnd)
		} else {
			inst = synthesize(root, occStart, occEnd)
		}
		inst.RecurringEventID = key
		out = append(out, model.NewEventInstance(root, inst))
	}
	return out
}

func synthesize(root *model.Event, start, end time.Time) *model.Event {
	inst := root.Clone()
	inst.Recurrence = ""
	inst.ExDates = nil
	inst.Subcomponents = nil
	inst.Start = start
	inst.End = end
	if root.Alarm != nil {
		inst.Alarm = model.NewAlarm(start, root.Alarm.Trigger, root.Alarm.Description, root.Alarm.Action)
	}
	return inst
}

func fromOverride(root, override *model.Event, start, end time.Time) *model.Event {
	inst := override.Clone()
	inst.ID = root.ID
	inst.Calendar = root.Calendar
	inst.Recurrence = ""
	inst.ExDates = nil
	inst.Subcomponents = nil
	if inst.Start.IsZero() {
		inst.Start = start
		inst.End = end
	} else if !inst.End.After(inst.Start) {
		inst.End = inst.Start.Add(duration(root))
	}
	if !root.IsSynchronized() {
		inst.MarkDesynchronized()
	}
	return inst
}

// ExpandEvent expands a single root event. Non-recurring events are returned
// as-is when they overlap w. The boolean reports whether anything of the event
// is visible in the window.
func ExpandEvent(root *model.Event, w model.Window) (model.Result, bool, error) {
	if root.Recurrence == "" {
		if !w.Overlaps(root.Start, root.Start.Add(duration(root))) {
			return model.Result{}, false, nil
		}
		return model.Result{Event: root}, true, nil
	}

	src, err := NewSource(root)
	if err != nil {
		return model.Result{}, false, err
	}
	instances := Expand(root, src, w)
	return model.Result{Event: root, Instances: instances}, len(instances) > 0, nil
}

// ExpandAll expands every event and keys the visible ones by id. Events with
// a malformed rule are logged and left out.
func ExpandAll(events []*model.Event, w model.Window) map[string]model.Result {
	out := make(map[string]model.Result, len(events))
	for _, ev := range events {
		r, ok, err := ExpandEvent(ev, w)
		if err != nil {
			appLog.Error("recurrence: failed to expand event", err, "id", ev.ID, "rrule", ev.Recurrence)
			continue
		}
		if ok {
			out[ev.ID] = r
		}
	}
	return out
}
