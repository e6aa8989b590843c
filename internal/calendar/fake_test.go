package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deskcal/internal/model"
)

var (
	fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	horizon  = model.Horizon{DaysInFuture: 12, DaysInPast: 2}

	homeCal = model.NewCalendar("home", "Home", model.AccessOwner, model.MustColor("#ffffff"), model.MustColor("#33b679"), nil, true)
	workCal = model.NewCalendar("work", "Work", model.AccessOwner, model.MustColor("#ffffff"), model.MustColor("#039be5"), nil, false)

	errOffline = model.NewSyncError("fake", errors.New("network unreachable"))
)

type updateCall struct {
	ev        *model.Event
	movedFrom *model.Calendar
}

// fakeBackend is an in-memory remote calendar whose operations can be made
// to fail per operation.
type fakeBackend struct {
	mu      sync.Mutex
	fail    map[string]error
	events  map[string]*model.Event
	nextID  int
	calls   []string
	updates []updateCall
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fail: make(map[string]error), events: make(map[string]*model.Event)}
}

func (b *fakeBackend) failWith(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, op)
		return
	}
	b.fail[op] = err
}

func (b *fakeBackend) heal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.fail)
}

func (b *fakeBackend) record(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, op)
	return b.fail[op]
}

func (b *fakeBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (b *fakeBackend) Fetch(_ context.Context, _ model.Window) (*RemoteData, error) {
	if err := b.record("fetch"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := &RemoteData{Calendars: []*model.Calendar{homeCal, workCal}, AccountName: "tester"}
	for _, id := range slices.Sorted(maps.Keys(b.events)) {
		out.Events = append(out.Events, b.events[id].Clone())
	}
	return out, nil
}

func (b *fakeBackend) Create(_ context.Context, ev *model.Event) (*model.Event, error) {
	if err := b.record("create"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	created := ev.Clone()
	created.SetID(fmt.Sprintf("remote-%d", b.nextID))
	created.PrepareForSync()
	b.events[created.ID] = created
	return created.Clone(), nil
}

func (b *fakeBackend) Update(_ context.Context, ev *model.Event, movedFrom *model.Calendar) (*model.Event, error) {
	if err := b.record("update"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, updateCall{ev: ev.Clone(), movedFrom: movedFrom})
	updated := ev.Clone()
	updated.PrepareForSync()
	b.events[updated.ID] = updated
	return updated.Clone(), nil
}

func (b *fakeBackend) Delete(_ context.Context, ev *model.Event) error {
	if err := b.record("delete"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, ev.ID)
	return nil
}

// memoryKV stores JSON documents so persisted state goes through the same
// encoding as the real store.
type memoryKV struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemoryKV() *memoryKV {
	return &memoryKV{docs: make(map[string][]byte)}
}

func (kv *memoryKV) Load(_ context.Context, name string, v any) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	raw, ok := kv.docs[name]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (kv *memoryKV) Save(_ context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.docs[name] = raw
	return nil
}

type change struct {
	id      string
	updated *model.Event
}

type recordingListener struct {
	mu        sync.Mutex
	changes   []change
	displayed []model.Result
}

func (l *recordingListener) EventChanged(_, id string, updated *model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change{id: id, updated: updated})
}

func (l *recordingListener) EventDisplayed(_ string, r model.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.displayed = append(l.displayed, r)
}

func (l *recordingListener) deletions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for _, c := range l.changes {
		if c.updated == nil {
			ids = append(ids, c.id)
		}
	}
	return ids
}

type fixture struct {
	plugin   *Plugin
	backend  *fakeBackend
	kv       *memoryKV
	listener *recordingListener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{backend: newFakeBackend(), kv: newMemoryKV(), listener: &recordingListener{}}
	f.plugin = f.newPlugin(t)
	return f
}

func (f *fixture) newPlugin(t *testing.T) *Plugin {
	t.Helper()
	p, err := New(context.Background(), "test", f.backend, f.kv)
	require.NoError(t, err)
	p.nowFunc = func() time.Time { return fixedNow }
	p.AddListener(f.listener)
	return p
}

func meeting(title string, cal *model.Calendar) *model.Event {
	start := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	return &model.Event{Title: title, Start: start, End: start.Add(time.Hour), Calendar: cal}
}

func dailyStandup(cal *model.Calendar) *model.Event {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	return &model.Event{
		Title:      "Standup",
		Start:      start,
		End:        start.Add(15 * time.Minute),
		Recurrence: "FREQ=DAILY;COUNT=3",
		Calendar:   cal,
	}
}
