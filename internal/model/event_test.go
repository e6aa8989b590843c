package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() *Event {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	return &Event{
		ID:       "ev-1",
		Title:    "Standup",
		Start:    start,
		End:      start.Add(time.Hour),
		Calendar: NewCalendar("cal-1", "Work", AccessOwner, MustColor("#ffffff"), MustColor("#3366cc"), nil, true),
		Data:     map[string]any{"id": "ev-1", "synchronized": true},
	}
}

func TestMarkDesynchronized_Idempotent(t *testing.T) {
	once := testEvent()
	once.MarkDesynchronized()

	twice := testEvent()
	twice.MarkDesynchronized()
	twice.MarkDesynchronized()

	assert.False(t, once.IsSynchronized())
	assert.False(t, twice.IsSynchronized())
	assert.Equal(t, false, twice.Data["synchronized"])
	assert.Equal(t, once.Data, twice.Data)
}

func TestMarkDesynchronized_NilData(t *testing.T) {
	ev := &Event{Title: "no data"}
	require.True(t, ev.IsSynchronized())

	ev.MarkDesynchronized()

	assert.False(t, ev.IsSynchronized())
	assert.Equal(t, false, ev.Data["synchronized"])
}

func TestUniqueID(t *testing.T) {
	ev := testEvent()
	assert.Equal(t, "ev-1#20240101T100000Z", ev.UniqueID())
}

func TestIsRecurring(t *testing.T) {
	ev := testEvent()
	ev.Recurrence = "FREQ=DAILY;COUNT=3"
	assert.False(t, ev.IsRecurring(), "a root is never an occurrence")

	ev.RecurringEventID = "20240101T100000Z"
	assert.True(t, ev.IsRecurring())
}

func TestOccurrenceKey_RoundTrip(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	local := time.Date(2024, 1, 2, 11, 0, 0, 0, loc)

	key := OccurrenceKey(local)
	assert.Equal(t, "20240102T100000Z", key)

	parsed, err := ParseOccurrenceKey(key)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(local))
}

func TestClone_IsDeep(t *testing.T) {
	ev := testEvent()
	ev.Recurrence = "FREQ=DAILY;COUNT=3"
	ev.ExDates = []time.Time{ev.Start.AddDate(0, 0, 1)}
	ev.Subcomponents = map[string]*Event{"20240102T100000Z": {ID: "ev-1", Title: "Moved"}}
	bg := MustColor("#ff0000")
	ev.BgColor = &bg

	c := ev.Clone()
	c.Subcomponents["20240102T100000Z"].Title = "changed"
	c.ExDates[0] = time.Time{}
	c.Data["id"] = "other"
	c.BgColor.R = 0

	assert.Equal(t, "Moved", ev.Subcomponents["20240102T100000Z"].Title)
	assert.False(t, ev.ExDates[0].IsZero())
	assert.Equal(t, "ev-1", ev.Data["id"])
	assert.Equal(t, uint8(0xff), ev.BgColor.R)
	assert.Same(t, ev.Calendar, c.Calendar, "calendar is a shared back-reference")
}

func TestExDates(t *testing.T) {
	ev := testEvent()
	d := ev.Start.AddDate(0, 0, 1)

	ev.AddExDate(d)
	ev.AddExDate(d.In(time.FixedZone("X", 3600)))
	require.Len(t, ev.ExDates, 1)
	assert.True(t, ev.HasExDate("20240102T100000Z"))

	assert.True(t, ev.RemoveExDate("20240102T100000Z"))
	assert.False(t, ev.RemoveExDate("20240102T100000Z"))
	assert.Empty(t, ev.ExDates)
}

func TestEventJSON_PreservesSyncFlag(t *testing.T) {
	ev := testEvent()
	ev.MarkDesynchronized()

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(b, &got))
	assert.False(t, got.IsSynchronized())
	assert.Equal(t, ev.Title, got.Title)
	assert.True(t, ev.Start.Equal(got.Start))
	assert.Equal(t, "cal-1", got.Calendar.ID)

	var fresh Event
	require.NoError(t, json.Unmarshal([]byte(`{"title":"x"}`), &fresh))
	assert.True(t, fresh.IsSynchronized())
}

func TestEffectiveColors(t *testing.T) {
	ev := testEvent()
	assert.Equal(t, ev.Calendar.BgColor, ev.EffectiveBgColor())

	own := MustColor("#123456")
	ev.BgColor = &own
	assert.Equal(t, own, ev.EffectiveBgColor())
}

func TestIsPlaceholderID(t *testing.T) {
	assert.True(t, IsPlaceholderID("non-sync1234"))
	assert.False(t, IsPlaceholderID("abc"))
	assert.False(t, IsPlaceholderID(""))
}
