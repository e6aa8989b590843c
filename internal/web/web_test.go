package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskcal/internal/calendar"
	"deskcal/internal/config"
	"deskcal/internal/model"
)

var (
	homeCal = model.NewCalendar("home", "Home", model.AccessOwner, model.MustColor("#ffffff"), model.MustColor("#33b679"), nil, true)
	workCal = model.NewCalendar("work", "Work", model.AccessWriter, model.MustColor("#ffffff"), model.MustColor("#039be5"), nil, false)
	feedCal = model.NewCalendar("feed", "Holidays", model.AccessReader, model.MustColor("#f1f1f1"), model.MustColor("#7986cb"), nil, false)
)

// fakeBackend is an in-memory remote calendar that can be taken offline.
type fakeBackend struct {
	mu      sync.Mutex
	offline bool
	events  map[string]*model.Event
	nextID  int
	calls   []string
}

func newFakeBackend(events ...*model.Event) *fakeBackend {
	b := &fakeBackend{events: make(map[string]*model.Event)}
	for _, ev := range events {
		b.events[ev.ID] = ev
	}
	return b
}

func (b *fakeBackend) setOffline(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = v
}

func (b *fakeBackend) record(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, op)
	if b.offline {
		return model.NewSyncError("fake "+op, errors.New("network unreachable"))
	}
	return nil
}

func (b *fakeBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

func (b *fakeBackend) Fetch(_ context.Context, _ model.Window) (*calendar.RemoteData, error) {
	if err := b.record("fetch"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := &calendar.RemoteData{Calendars: []*model.Calendar{homeCal, workCal, feedCal}, AccountName: "tester"}
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

func (b *fakeBackend) Update(_ context.Context, ev *model.Event, _ *model.Calendar) (*model.Event, error) {
	if err := b.record("update"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
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

type memoryKV struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func (m *memoryKV) Load(_ context.Context, name string, v any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.docs[name]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

func (m *memoryKV) Save(_ context.Context, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs == nil {
		m.docs = make(map[string][]byte)
	}
	m.docs[name] = b
	return nil
}

type testEnv struct {
	url     string
	backend *fakeBackend
	plugin  *calendar.Plugin
	hub     *Hub
	cfg     *config.Config
}

func newTestEnv(t *testing.T, events ...*model.Event) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.DefaultConfig(), events...)
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config, events ...*model.Event) *testEnv {
	t.Helper()
	fb := newFakeBackend(events...)
	p, err := calendar.New(context.Background(), "home", fb, &memoryKV{})
	require.NoError(t, err)

	reg := calendar.NewRegistry()
	require.NoError(t, reg.Add(p))
	hub := NewHub()
	reg.AddListener(hub)

	srv := NewServer(config.NewHolder("", cfg), reg, hub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	// Registered after ts.Close so it runs first and releases open sockets.
	t.Cleanup(hub.Close)

	return &testEnv{url: ts.URL, backend: fb, plugin: p, hub: hub, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.url+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func tomorrow() time.Time {
	return time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour)
}

func singleEvent(id string, cal *model.Calendar) *model.Event {
	start := tomorrow()
	ev := &model.Event{Title: "Dentist", Start: start, End: start.Add(time.Hour), Calendar: cal}
	ev.SetID(id)
	return ev
}

func seriesEvent(id string) *model.Event {
	ev := singleEvent(id, homeCal)
	ev.Title = "Standup"
	ev.Recurrence = "FREQ=DAILY;COUNT=5"
	return ev
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}
	env := newTestEnvWithConfig(t, cfg)

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, _ = env.do(t, http.MethodGet, "/api/plugins", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `realm="deskcal"`)

	req, err := http.NewRequest(http.MethodGet, env.url+"/api/plugins", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "pw")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEvents_RefreshesOnlyWhenNeeded(t *testing.T) {
	env := newTestEnv(t, singleEvent("ev-1", homeCal))

	resp, body := env.do(t, http.MethodGet, "/api/plugins/home/events?days=7&backfill=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[eventsResponse](t, body)
	assert.Equal(t, "home", got.Plugin)
	require.NotNil(t, got.Data)
	assert.Contains(t, got.Data.Events, "ev-1")
	assert.Equal(t, "tester", got.Data.AccountName)
	assert.WithinDuration(t, got.RangeStart.Add(8*24*time.Hour), got.RangeEnd, time.Hour)

	env.do(t, http.MethodGet, "/api/plugins/home/events", nil)
	assert.Equal(t, []string{"fetch"}, env.backend.Calls())

	env.do(t, http.MethodGet, "/api/plugins/home/events?refresh=1", nil)
	assert.Equal(t, []string{"fetch", "fetch"}, env.backend.Calls())
}

func TestEvents_Errors(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/plugins/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), `"error"`)

	env.backend.setOffline(true)
	resp, _ = env.do(t, http.MethodGet, "/api/plugins/home/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEvents_ServesPreviousSnapshotWhenRefreshFails(t *testing.T) {
	env := newTestEnv(t, singleEvent("ev-1", homeCal))
	resp, _ := env.do(t, http.MethodGet, "/api/plugins/home/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.backend.setOffline(true)
	resp, body := env.do(t, http.MethodGet, "/api/plugins/home/events?refresh=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, decode[eventsResponse](t, body).Data.Events, "ev-1")
}

func TestCreate_StagesWhileOfflineAndSyncReplays(t *testing.T) {
	env := newTestEnv(t)
	ev := singleEvent("", nil)

	resp, body := env.do(t, http.MethodPost, "/api/plugins/home/events", eventRequest{Event: ev, CalendarID: "home"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	created := decode[mutationResponse](t, body)
	assert.True(t, created.Synchronized)
	require.NotNil(t, created.Result)
	assert.Equal(t, "remote-1", created.Result.Event.ID)

	env.backend.setOffline(true)
	resp, body = env.do(t, http.MethodPost, "/api/plugins/home/events", eventRequest{Event: ev, CalendarID: "home"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	staged := decode[mutationResponse](t, body)
	assert.False(t, staged.Synchronized)
	assert.True(t, model.IsPlaceholderID(staged.Result.Event.ID))

	_, body = env.do(t, http.MethodGet, "/api/plugins", nil)
	plugins := decode[[]pluginDTO](t, body)
	require.Len(t, plugins, 1)
	assert.Equal(t, pendingCounts{Created: 1}, plugins[0].Pending)

	// Replay while still offline keeps the creation staged.
	resp, body = env.do(t, http.MethodPost, "/api/plugins/home/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"created":1`)

	env.backend.setOffline(false)
	resp, body = env.do(t, http.MethodPost, "/api/plugins/home/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"created":0`)
	assert.Equal(t, pendingCounts{}, countPending(env.plugin))
}

func TestCreate_RejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)
	tests := map[string]struct {
		body any
		want int
	}{
		"read-only calendar": {eventRequest{Event: singleEvent("", nil), CalendarID: "feed"}, http.StatusForbidden},
		"unknown calendar":   {eventRequest{Event: singleEvent("", nil), CalendarID: "gone"}, http.StatusBadRequest},
		"missing event":      {eventRequest{CalendarID: "home"}, http.StatusBadRequest},
		"malformed body":     {"not an object", http.StatusBadRequest},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodPost, "/api/plugins/home/events", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	ev := singleEvent("", nil)
	ev.End = ev.Start.Add(-time.Hour)
	resp, _ := env.do(t, http.MethodPost, "/api/plugins/home/events", eventRequest{Event: ev, CalendarID: "home"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdate_ChangingCalendarMovesEvent(t *testing.T) {
	env := newTestEnv(t, singleEvent("ev-1", homeCal))
	env.do(t, http.MethodGet, "/api/plugins/home/events", nil)

	ev := singleEvent("", nil)
	ev.Title = "Dentist (moved)"
	resp, body := env.do(t, http.MethodPut, "/api/plugins/home/events/ev-1", eventRequest{Event: ev, CalendarID: "work"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	got := decode[mutationResponse](t, body)
	assert.True(t, got.Synchronized)
	assert.Equal(t, "work", got.Result.Event.Calendar.ID)
	assert.NotEqual(t, "ev-1", got.Result.Event.ID)
	assert.Equal(t, []string{"fetch", "create", "delete"}, env.backend.Calls())

	_, ok := env.plugin.Lookup("ev-1")
	assert.False(t, ok)
}

func TestUpdate_InPlaceKeepsBackendData(t *testing.T) {
	orig := singleEvent("ev-1", homeCal)
	orig.Data["href"] = "/dav/home/ev-1.ics"
	env := newTestEnv(t, orig)
	env.do(t, http.MethodGet, "/api/plugins/home/events", nil)

	ev := singleEvent("", nil)
	ev.Data = nil
	ev.Title = "Dentist at 10"
	resp, body := env.do(t, http.MethodPut, "/api/plugins/home/events/ev-1", eventRequest{Event: ev})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	got := decode[mutationResponse](t, body)
	assert.Equal(t, "ev-1", got.Result.Event.ID)
	assert.Equal(t, "Dentist at 10", got.Result.Event.Title)
	assert.Equal(t, "/dav/home/ev-1.ics", got.Result.Event.Data["href"])
	assert.Equal(t, []string{"fetch", "update"}, env.backend.Calls())

	resp, _ = env.do(t, http.MethodPut, "/api/plugins/home/events/missing", eventRequest{Event: ev})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t, singleEvent("ev-1", homeCal), singleEvent("ev-2", homeCal))
	env.do(t, http.MethodGet, "/api/plugins/home/events", nil)

	resp, body := env.do(t, http.MethodDelete, "/api/plugins/home/events/ev-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, mutationResponse{Synchronized: true, Deleted: "ev-1"}, decode[mutationResponse](t, body))

	resp, _ = env.do(t, http.MethodDelete, "/api/plugins/home/events/ev-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.backend.setOffline(true)
	resp, body = env.do(t, http.MethodDelete, "/api/plugins/home/events/ev-2", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.False(t, decode[mutationResponse](t, body).Synchronized)
	assert.Equal(t, pendingCounts{Deleted: 1}, countPending(env.plugin))
}

func TestDeleteInstance_ExcludesOccurrence(t *testing.T) {
	root := seriesEvent("series-1")
	env := newTestEnv(t, root)
	env.do(t, http.MethodGet, "/api/plugins/home/events", nil)

	key := model.OccurrenceKey(root.Start.AddDate(0, 0, 2))
	resp, body := env.do(t, http.MethodDelete, "/api/plugins/home/events/series-1/instances/"+key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	got := decode[mutationResponse](t, body)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Event.HasExDate(key))
	assert.Len(t, got.Result.Instances, 4)

	resp, _ = env.do(t, http.MethodDelete, "/api/plugins/home/events/series-1/instances/not-a-key", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteInstance_RejectsSingleEvent(t *testing.T) {
	env := newTestEnv(t, singleEvent("ev-1", homeCal))
	env.do(t, http.MethodGet, "/api/plugins/home/events", nil)

	key := model.OccurrenceKey(tomorrow())
	resp, _ := env.do(t, http.MethodDelete, "/api/plugins/home/events/ev-1/instances/"+key, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateInstance_StoresOverride(t *testing.T) {
	root := seriesEvent("series-1")
	env := newTestEnv(t, root)
	env.do(t, http.MethodGet, "/api/plugins/home/events", nil)

	occ := root.Start.AddDate(0, 0, 1)
	key := model.OccurrenceKey(occ)
	inst := &model.Event{Title: "Standup (late)", Start: occ.Add(time.Hour), End: occ.Add(2 * time.Hour)}
	resp, body := env.do(t, http.MethodPut, "/api/plugins/home/events/series-1/instances/"+key, eventRequest{Event: inst})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	got := decode[mutationResponse](t, body)
	require.Contains(t, got.Result.Event.Subcomponents, key)
	assert.Equal(t, "Standup (late)", got.Result.Event.Subcomponents[key].Title)
}

func TestRestore_RemovesExdate(t *testing.T) {
	root := seriesEvent("series-1")
	excluded := root.Start.AddDate(0, 0, 3)
	root.AddExDate(excluded)
	env := newTestEnv(t, root)
	env.do(t, http.MethodGet, "/api/plugins/home/events", nil)

	key := model.OccurrenceKey(excluded)
	resp, body := env.do(t, http.MethodPost, "/api/plugins/home/events/series-1/exdates/"+key+"/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	got := decode[mutationResponse](t, body)
	assert.Empty(t, got.Result.Event.ExDates)
	assert.Len(t, got.Result.Instances, 5)
	assert.Equal(t, []string{"fetch", "update"}, env.backend.Calls())
}

func TestNotifications(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/plugins/home/events", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.url, "http")+"/api/notifications", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, body := env.do(t, http.MethodPost, "/api/plugins/home/events", eventRequest{Event: singleEvent("", nil), CalendarID: "home"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	_, msg, err := conn.Read(ctx)
	require.NoError(t, err)
	n := decode[Notification](t, msg)
	assert.Equal(t, KindDisplayed, n.Kind)
	assert.Equal(t, "home", n.Plugin)
	assert.Equal(t, "remote-1", n.EventID)

	resp, _ = env.do(t, http.MethodDelete, "/api/plugins/home/events/remote-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, msg, err = conn.Read(ctx)
	require.NoError(t, err)
	n = decode[Notification](t, msg)
	assert.Equal(t, KindDeleted, n.Kind)
	assert.Nil(t, n.Event)
}

func TestHub_DropsSlowClients(t *testing.T) {
	h := NewHub()
	c, ok := h.add()
	require.True(t, ok)

	for range clientBuffer + 1 {
		h.EventChanged("home", "ev-1", nil)
	}
	assert.Equal(t, 0, h.Clients())
	select {
	case <-c.gone:
	default:
		t.Fatal("slow client was not dropped")
	}

	h.Close()
	_, ok = h.add()
	assert.False(t, ok)
}
