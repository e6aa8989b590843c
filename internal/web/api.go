package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"deskcal/internal/calendar"
	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

const maxBodyBytes = 1 << 20

// pendingCounts summarizes a plugin's offline cache.
type pendingCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

func countPending(p *calendar.Plugin) pendingCounts {
	c := p.Pending()
	return pendingCounts{Created: len(c.Created), Updated: len(c.Updated), Deleted: len(c.Deleted)}
}

type pluginDTO struct {
	ID          string        `json:"id"`
	AccountName string        `json:"account_name,omitempty"`
	FetchedAt   time.Time     `json:"fetched_at,omitzero"`
	Pending     pendingCounts `json:"pending"`
}

// handlePlugins lists the configured plugins with their staged mutations.
//
// GET /api/plugins
func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	plugins := s.registry.Load().Plugins()
	out := make([]pluginDTO, 0, len(plugins))
	for _, p := range plugins {
		dto := pluginDTO{ID: p.ID(), Pending: countPending(p)}
		if snap := p.Snapshot(); snap != nil {
			dto.AccountName = snap.AccountName
			dto.FetchedAt = snap.FetchedAt
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

// eventsResponse is the JSON response shape for /api/plugins/{id}/events.
type eventsResponse struct {
	Plugin          string              `json:"plugin"`
	RangeStart      time.Time           `json:"range_start"`
	RangeEnd        time.Time           `json:"range_end"`
	DisplayTimeZone string              `json:"display_timezone"`
	Pending         pendingCounts       `json:"pending"`
	Data            *model.CalendarData `json:"data"`
}

// handleEvents returns the plugin's latest snapshot.
//
// GET /api/plugins/{id}/events?days=30&backfill=2&refresh=1
//   - days:     how many days ahead to show (default from config)
//   - backfill: how many past days to include (default from config)
//   - refresh:  force a fetch even when the snapshot is fresh
//
// A missing or stale snapshot is refreshed first. When that refresh fails the
// previous snapshot is served if there is one.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := s.plugin(w, r)
	if !ok {
		return
	}
	h := s.horizon(r)
	loc := s.cfg.Config().Location()
	now := s.nowFunc()

	snap := p.Snapshot()
	if snap == nil || now.Sub(snap.FetchedAt) >= staleAfter || r.URL.Query().Get("refresh") == "1" {
		fresh, err := p.Refresh(r.Context(), h)
		switch {
		case err == nil:
			snap = fresh
		case snap == nil:
			appLog.Error("api events: refresh failed", err, "plugin", p.ID())
			writeError(w, statusFor(err), err.Error())
			return
		default:
			appLog.Warn("api events: refresh failed, serving previous snapshot", "plugin", p.ID(), "err", err)
		}
	}

	win := h.Window(now.In(loc))
	writeJSON(w, http.StatusOK, eventsResponse{
		Plugin:          p.ID(),
		RangeStart:      win.Start,
		RangeEnd:        win.End,
		DisplayTimeZone: loc.String(),
		Pending:         countPending(p),
		Data:            snap,
	})
}

// eventRequest is the body of create and update calls. The calendar is named
// by id and resolved against the current snapshot.
type eventRequest struct {
	Event      *model.Event `json:"event"`
	CalendarID string       `json:"calendar_id,omitempty"`
	// MovedFrom is the calendar the event currently lives in, when the
	// update moves it.
	MovedFrom string `json:"moved_from,omitempty"`
}

// mutationResponse reports the outcome of a write. Synchronized is false when
// the change was staged for a later replay.
type mutationResponse struct {
	Synchronized bool          `json:"synchronized"`
	Result       *model.Result `json:"result,omitempty"`
	Deleted      string        `json:"deleted,omitempty"`
}

func decodeEventRequest(w http.ResponseWriter, r *http.Request) (*eventRequest, bool) {
	var req eventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, false
	}
	if req.Event == nil {
		writeError(w, http.StatusBadRequest, "missing event")
		return nil, false
	}
	if !req.Event.End.IsZero() && req.Event.End.Before(req.Event.Start) {
		writeError(w, http.StatusBadRequest, "event ends before it starts")
		return nil, false
	}
	return &req, true
}

// snapshot returns the plugin's snapshot, refreshing once if there is none.
func (s *Server) snapshot(ctx context.Context, p *calendar.Plugin, h model.Horizon) (*model.CalendarData, error) {
	if snap := p.Snapshot(); snap != nil {
		return snap, nil
	}
	return p.Refresh(ctx, h)
}

// writableCalendar resolves id against snap and rejects read-only calendars.
func writableCalendar(w http.ResponseWriter, snap *model.CalendarData, id string) (*model.Calendar, bool) {
	cal, ok := snap.Calendar(id)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown calendar "+id)
		return nil, false
	}
	if !cal.AccessRole.Writable() {
		writeError(w, http.StatusForbidden, "calendar "+cal.Name+" is read-only")
		return nil, false
	}
	return cal, true
}

func calendarID(req *eventRequest) string {
	if req.CalendarID != "" {
		return req.CalendarID
	}
	if req.Event.Calendar != nil {
		return req.Event.Calendar.ID
	}
	return ""
}

// writeResult answers a create or update. okStatus is used when the change
// reached the remote calendar.
func writeResult(w http.ResponseWriter, okStatus int, res model.Result) {
	status := okStatus
	if !res.IsSynchronized() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, mutationResponse{Synchronized: res.IsSynchronized(), Result: &res})
}

func (s *Server) writeEngineError(w http.ResponseWriter, msg string, err error, kv ...any) {
	appLog.Error(msg, err, kv...)
	writeError(w, statusFor(err), err.Error())
}

// handleCreate creates an event.
//
// POST /api/plugins/{id}/events
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.plugin(w, r)
	if !ok {
		return
	}
	req, ok := decodeEventRequest(w, r)
	if !ok {
		return
	}
	h := s.horizon(r)
	snap, err := s.snapshot(r.Context(), p, h)
	if err != nil {
		s.writeEngineError(w, "api create: loading snapshot failed", err, "plugin", p.ID())
		return
	}
	cal, ok := writableCalendar(w, snap, calendarID(req))
	if !ok {
		return
	}

	ev := req.Event.Clone()
	ev.SetID("")
	ev.Calendar = cal
	res, err := p.CreateEvent(r.Context(), ev, h)
	if err != nil {
		s.writeEngineError(w, "api create: failed", err, "plugin", p.ID())
		return
	}
	writeResult(w, http.StatusCreated, res)
}

// handleUpdate replaces an event. Changing its calendar moves it.
//
// PUT /api/plugins/{id}/events/{eventID}
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.plugin(w, r)
	if !ok {
		return
	}
	req, ok := decodeEventRequest(w, r)
	if !ok {
		return
	}
	h := s.horizon(r)
	snap, err := s.snapshot(r.Context(), p, h)
	if err != nil {
		s.writeEngineError(w, "api update: loading snapshot failed", err, "plugin", p.ID())
		return
	}
	eventID := r.PathValue("eventID")
	existing, found := snap.Event(eventID)
	if !found {
		writeError(w, http.StatusNotFound, "unknown event "+eventID)
		return
	}

	calID := calendarID(req)
	if calID == "" && existing.Event.Calendar != nil {
		calID = existing.Event.Calendar.ID
	}
	cal, ok := writableCalendar(w, snap, calID)
	if !ok {
		return
	}

	var movedFrom *model.Calendar
	switch {
	case req.MovedFrom != "":
		if movedFrom, ok = snap.Calendar(req.MovedFrom); !ok {
			writeError(w, http.StatusBadRequest, "unknown calendar "+req.MovedFrom)
			return
		}
	case existing.Event.Calendar != nil && existing.Event.Calendar.ID != cal.ID:
		movedFrom = existing.Event.Calendar
	}

	ev := req.Event.Clone()
	if ev.Data == nil {
		// Backend bookkeeping (hrefs, etags) is not round-tripped by clients.
		ev.Data = existing.Event.Clone().Data
	}
	ev.SetID(eventID)
	ev.Calendar = cal

	res, err := p.UpdateEvent(r.Context(), ev, h, movedFrom)
	if err != nil {
		s.writeEngineError(w, "api update: failed", err, "plugin", p.ID(), "id", eventID)
		return
	}
	writeResult(w, http.StatusOK, res)
}

// handleDelete deletes an event or a whole series.
//
// DELETE /api/plugins/{id}/events/{eventID}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := s.plugin(w, r)
	if !ok {
		return
	}
	eventID := r.PathValue("eventID")
	existing, found := p.Lookup(eventID)
	if !found {
		writeError(w, http.StatusNotFound, "unknown event "+eventID)
		return
	}
	if cal := existing.Event.Calendar; cal != nil && !cal.AccessRole.Writable() {
		writeError(w, http.StatusForbidden, "calendar "+cal.Name+" is read-only")
		return
	}

	synced, err := p.DeleteEvent(r.Context(), existing.Event)
	if err != nil {
		s.writeEngineError(w, "api delete: failed", err, "plugin", p.ID(), "id", eventID)
		return
	}
	status := http.StatusOK
	if !synced {
		status = http.StatusAccepted
	}
	writeJSON(w, status, mutationResponse{Synchronized: synced, Deleted: eventID})
}

// series resolves {eventID} to a recurring root and parses {key}.
func (s *Server) series(w http.ResponseWriter, r *http.Request, p *calendar.Plugin) (model.Result, time.Time, bool) {
	eventID := r.PathValue("eventID")
	key := r.PathValue("key")
	occ, err := model.ParseOccurrenceKey(key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid occurrence key "+key)
		return model.Result{}, time.Time{}, false
	}
	root, found := p.Lookup(eventID)
	if !found {
		writeError(w, http.StatusNotFound, "unknown event "+eventID)
		return model.Result{}, time.Time{}, false
	}
	if !root.IsSeries() {
		writeError(w, http.StatusBadRequest, "event "+eventID+" does not recur")
		return model.Result{}, time.Time{}, false
	}
	if cal := root.Event.Calendar; cal != nil && !cal.AccessRole.Writable() {
		writeError(w, http.StatusForbidden, "calendar "+cal.Name+" is read-only")
		return model.Result{}, time.Time{}, false
	}
	return root, occ, true
}

// handleUpdateInstance overrides one occurrence of a series.
//
// PUT /api/plugins/{id}/events/{eventID}/instances/{key}
func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	p, ok := s.plugin(w, r)
	if !ok {
		return
	}
	root, _, ok := s.series(w, r, p)
	if !ok {
		return
	}
	req, ok := decodeEventRequest(w, r)
	if !ok {
		return
	}

	inst := req.Event.Clone()
	inst.Calendar = root.Event.Calendar
	res, err := p.UpdateInstance(r.Context(), model.EventInstance{
		RootEvent:  root.Event,
		Instance:   inst,
		InstanceID: r.PathValue("key"),
	}, s.horizon(r))
	if err != nil {
		s.writeEngineError(w, "api update instance: failed", err, "plugin", p.ID(), "id", root.ID())
		return
	}
	writeResult(w, http.StatusOK, res)
}

// handleDeleteInstance removes one occurrence of a series.
//
// DELETE /api/plugins/{id}/events/{eventID}/instances/{key}
func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	p, ok := s.plugin(w, r)
	if !ok {
		return
	}
	root, _, ok := s.series(w, r, p)
	if !ok {
		return
	}
	res, err := p.DeleteEventInstance(r.Context(), model.EventInstance{
		RootEvent:  root.Event,
		InstanceID: r.PathValue("key"),
	}, s.horizon(r))
	if err != nil {
		s.writeEngineError(w, "api delete instance: failed", err, "plugin", p.ID(), "id", root.ID())
		return
	}
	writeResult(w, http.StatusOK, res)
}

// handleRestore brings back an excluded occurrence.
//
// POST /api/plugins/{id}/events/{eventID}/exdates/{key}/restore
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	p, ok := s.plugin(w, r)
	if !ok {
		return
	}
	root, occ, ok := s.series(w, r, p)
	if !ok {
		return
	}
	res, err := p.RestoreExcludedDate(r.Context(), root.Event, occ, s.horizon(r))
	if err != nil {
		s.writeEngineError(w, "api restore: failed", err, "plugin", p.ID(), "id", root.ID())
		return
	}
	writeResult(w, http.StatusOK, res)
}

// handleSync replays the plugin's offline cache now.
//
// POST /api/plugins/{id}/sync
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	p, ok := s.plugin(w, r)
	if !ok {
		return
	}
	err := p.ApplyOfflineCache(r.Context(), s.horizon(r))
	if err != nil && !errors.Is(err, model.ErrSync) {
		s.writeEngineError(w, "api sync: failed", err, "plugin", p.ID())
		return
	}
	type syncResponse struct {
		Pending pendingCounts `json:"pending"`
	}
	writeJSON(w, http.StatusOK, syncResponse{Pending: countPending(p)})
}
