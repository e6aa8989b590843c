package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	appLog "deskcal/internal/log"
	"deskcal/internal/model"
	"deskcal/internal/recurrence"
)

// ApplyOfflineCache replays staged creations, then updates, then deletions.
// Items that fail transiently stay staged. The cache is persisted once at the
// end, so replayed operations may be retried after a crash.
func (p *Plugin) ApplyOfflineCache(ctx context.Context, h model.Horizon) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applyOfflineCache(ctx, h.Window(p.nowFunc()))
}

func (p *Plugin) applyOfflineCache(ctx context.Context, w model.Window) error {
	if p.cache.Empty() {
		return nil
	}
	before := p.cache.Len()

	err := p.replay(ctx, w)
	if saveErr := p.persist(ctx); saveErr != nil && err == nil {
		err = saveErr
	}

	appLog.Info("calendar: offline cache applied",
		"plugin", p.id,
		"staged_before", before,
		"staged_after", p.cache.Len(),
	)
	return err
}

func (p *Plugin) replay(ctx context.Context, w model.Window) error {
	if err := p.replayCreations(ctx, w); err != nil {
		return err
	}
	if err := p.replayUpdates(ctx, w); err != nil {
		return err
	}
	return p.replayDeletions(ctx)
}

func (p *Plugin) replayCreations(ctx context.Context, w model.Window) error {
	for _, tempID := range p.cache.CreatedIDs() {
		staged := p.cache.Created[tempID]

		attempt := staged.Clone()
		attempt.SetID("")
		attempt.PrepareForSync()

		created, err := p.backend.Create(ctx, attempt)
		if err != nil {
			if !model.IsSyncError(err) {
				return fmt.Errorf("calendar: replaying creation %s: %w", tempID, err)
			}
			appLog.Debug("calendar: creation still pending", "plugin", p.id, "id", tempID, "err", err)
			p.redisplay(staged, w)
			continue
		}
		adoptCalendar(created, staged)
		delete(p.cache.Created, tempID)

		if p.cache.Rekey(tempID, created.ID) {
			appLog.Debug("calendar: re-keyed staged updates", "plugin", p.id, "from", tempID, "to", created.ID)
		} else {
			appLog.Debug("calendar: no staged updates for created event", "plugin", p.id, "id", tempID)
		}

		p.replaced(tempID, created, w)
	}
	return nil
}

func (p *Plugin) replayUpdates(ctx context.Context, w model.Window) error {
	for _, id := range p.cache.UpdatedIDs() {
		if model.IsPlaceholderID(id) {
			if p.cache.IsPendingCreation(id) {
				continue
			}
			appLog.Warn("calendar: discarding orphaned update", "plugin", p.id, "id", id)
			delete(p.cache.Updated, id)
			continue
		}

		first, _ := p.cache.FirstUpdate(id)
		last, ok := p.cache.LastUpdate(id)
		if !ok || last.NewData == nil {
			delete(p.cache.Updated, id)
			continue
		}

		attempt := last.NewData.Clone()
		attempt.PrepareForSync()
		var movedFrom *model.Calendar
		if first.OldCalendar != nil && attempt.Calendar != nil && first.OldCalendar.ID != attempt.Calendar.ID {
			movedFrom = first.OldCalendar
		}

		updated, err := p.backend.Update(ctx, attempt, movedFrom)
		if errors.Is(err, model.ErrNotFound) {
			appLog.Warn("calendar: discarding update of remotely deleted event", "plugin", p.id, "id", id)
			delete(p.cache.Updated, id)
			p.drop(id)
			continue
		}
		if err != nil {
			if !model.IsSyncError(err) {
				return fmt.Errorf("calendar: replaying update %s: %w", id, err)
			}
			appLog.Debug("calendar: update still pending", "plugin", p.id, "id", id, "err", err)
			p.redisplay(last.NewData, w)
			continue
		}
		adoptCalendar(updated, attempt)
		delete(p.cache.Updated, id)
		p.replaced(id, updated, w)
	}
	return nil
}

func (p *Plugin) replayDeletions(ctx context.Context) error {
	for _, id := range p.cache.DeletedIDs() {
		attempt := p.cache.Deleted[id].Clone()
		attempt.PrepareForSync()

		err := p.backend.Delete(ctx, attempt)
		switch {
		case err == nil, errors.Is(err, model.ErrNotFound):
			delete(p.cache.Deleted, id)
		case model.IsSyncError(err):
			appLog.Debug("calendar: deletion still pending", "plugin", p.id, "id", id, "err", err)
		default:
			return fmt.Errorf("calendar: replaying deletion %s: %w", id, err)
		}
		p.drop(id)
	}
	return nil
}

// replaced swaps the snapshot entry for oldID with the synchronized ev.
func (p *Plugin) replaced(oldID string, ev *model.Event, w model.Window) {
	r, visible, err := p.expand(ev, w)
	if err != nil {
		appLog.Error("calendar: replayed event cannot be expanded", err, "plugin", p.id, "id", ev.ID)
		r, visible = model.Result{Event: ev}, false
	}
	if snap := p.snap.Load(); snap != nil && oldID != ev.ID {
		p.snap.Store(snap.Without(oldID))
	}
	p.put(ev.ID, r, visible)
	p.changed(oldID, ev)
	p.displayed(r)
}

// redisplay re-emits a still-pending event so the widget keeps showing it.
func (p *Plugin) redisplay(ev *model.Event, w model.Window) {
	r, visible, err := p.expand(ev, w)
	if err != nil {
		appLog.Error("calendar: pending event cannot be expanded", err, "plugin", p.id, "id", ev.ID)
		return
	}
	p.put(ev.ID, r, visible)
	p.changed(ev.ID, ev)
}

// Refresh fetches the window, overlays staged mutations and stores the result
// as the latest snapshot. The offline cache is then replayed opportunistically;
// replay failures are logged, not returned.
func (p *Plugin) Refresh(ctx context.Context, h model.Horizon) (*model.CalendarData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFunc()
	w := h.Window(now)

	remote, err := p.backend.Fetch(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("calendar: fetching %s: %w", p.id, err)
	}
	p.snap.Store(p.buildSnapshot(remote, w, now))

	if err := p.applyOfflineCache(ctx, w); err != nil {
		appLog.Error("calendar: applying offline cache", err, "plugin", p.id)
	}
	return p.snap.Load(), nil
}

func (p *Plugin) buildSnapshot(remote *RemoteData, w model.Window, now time.Time) *model.CalendarData {
	data := &model.CalendarData{
		Calendars:   make(map[string]*model.Calendar, len(remote.Calendars)),
		Events:      recurrence.ExpandAll(remote.Events, w),
		Todos:       make(map[string]*model.Todo, len(remote.Todos)),
		Colors:      remote.Colors,
		AccountName: remote.AccountName,
		FetchedAt:   now,
	}
	if data.Colors == nil {
		data.Colors = model.DefaultPalette()
	}
	for _, c := range remote.Calendars {
		data.Calendars[c.ID] = c
	}
	for _, t := range remote.Todos {
		data.Todos[t.ID] = t
	}

	overlay := func(ev *model.Event) {
		r, visible, err := p.expand(ev, w)
		if err != nil {
			appLog.Error("calendar: staged event cannot be expanded", err, "plugin", p.id, "id", ev.ID)
			return
		}
		if visible {
			data.Events[ev.ID] = r
		} else {
			delete(data.Events, ev.ID)
		}
	}
	for _, id := range p.cache.CreatedIDs() {
		overlay(p.cache.Created[id])
	}
	for _, id := range p.cache.UpdatedIDs() {
		if last, ok := p.cache.LastUpdate(id); ok && last.NewData != nil {
			overlay(last.NewData)
		}
	}
	for id := range p.cache.Deleted {
		delete(data.Events, id)
	}
	return data
}
