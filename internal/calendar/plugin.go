package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appLog "deskcal/internal/log"
	"deskcal/internal/model"
	"deskcal/internal/offline"
	"deskcal/internal/recurrence"
)

// Plugin drives one backend. Operations are serialized per plugin; snapshots
// handed out are immutable.
type Plugin struct {
	id      string
	backend Backend
	store   *offline.Store

	nowFunc       func() time.Time
	placeholderID func() string

	mu        sync.Mutex
	cache     *offline.Cache
	listeners []Listener

	snap atomic.Pointer[model.CalendarData]
}

// New builds a plugin and loads its offline cache from kv.
func New(ctx context.Context, id string, backend Backend, kv offline.KV) (*Plugin, error) {
	store := offline.NewStore(kv, id)
	cache, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("calendar: plugin %s: %w", id, err)
	}
	if !cache.Empty() {
		appLog.Info("calendar: loaded offline cache",
			"plugin", id,
			"created", len(cache.Created),
			"updated", len(cache.Updated),
			"deleted", len(cache.Deleted),
		)
	}
	return &Plugin{
		id:      id,
		backend: backend,
		store:   store,
		cache:   cache,
		nowFunc: time.Now,
		placeholderID: func() string {
			return model.PlaceholderPrefix + uuid.NewString()
		},
	}, nil
}

func (p *Plugin) ID() string {
	return p.id
}

// AddListener registers l for change notifications.
func (p *Plugin) AddListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Snapshot returns the latest calendar data, or nil before the first refresh.
func (p *Plugin) Snapshot() *model.CalendarData {
	return p.snap.Load()
}

// Pending returns a copy of the staged mutations.
func (p *Plugin) Pending() *offline.Cache {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Clone()
}

// CreateEvent creates ev remotely. On a transient failure the event gets a
// placeholder id, is staged for creation and is returned unsynchronized.
func (p *Plugin) CreateEvent(ctx context.Context, ev *model.Event, h model.Horizon) (model.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createEvent(ctx, ev, h.Window(p.nowFunc()))
}

func (p *Plugin) createEvent(ctx context.Context, ev *model.Event, w model.Window) (model.Result, error) {
	created, err := p.backend.Create(ctx, ev)
	if err == nil {
		adoptCalendar(created, ev)
		return p.synced(created, w)
	}
	if !model.IsSyncError(err) {
		return model.Result{}, fmt.Errorf("calendar: creating event: %w", err)
	}

	pending := ev.Clone()
	pending.SetID(p.placeholderID())
	pending.MarkDesynchronized()
	appLog.Warn("calendar: creation failed, staging", "plugin", p.id, "id", pending.ID, "err", err)

	p.cache.AddCreation(pending)
	if err := p.persist(ctx); err != nil {
		return model.Result{}, err
	}
	return p.pending(pending, w)
}

// DeleteEvent deletes ev. It reports false when the remote deletion failed
// transiently and was staged; the event disappears from the snapshot either
// way. Events that never reached the remote side are dropped locally.
func (p *Plugin) DeleteEvent(ctx context.Context, ev *model.Event) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteEvent(ctx, ev)
}

func (p *Plugin) deleteEvent(ctx context.Context, ev *model.Event) (bool, error) {
	if p.isPendingCreation(ev.ID) {
		p.cache.DeleteCachedEvent(ev.ID)
		if err := p.persist(ctx); err != nil {
			return false, err
		}
		p.drop(ev.ID)
		return true, nil
	}

	err := p.backend.Delete(ctx, ev)
	if err != nil && !model.IsSyncError(err) {
		return false, fmt.Errorf("calendar: deleting event %s: %w", ev.ID, err)
	}

	_, hadUpdates := p.cache.Updated[ev.ID]
	delete(p.cache.Updated, ev.ID)

	if err == nil {
		if hadUpdates {
			if err := p.persist(ctx); err != nil {
				return false, err
			}
		}
		p.drop(ev.ID)
		return true, nil
	}

	appLog.Warn("calendar: deletion failed, staging", "plugin", p.id, "id", ev.ID, "err", err)
	pending := ev.Clone()
	pending.MarkDesynchronized()
	p.cache.AddDeletion(pending)
	if err := p.persist(ctx); err != nil {
		return false, err
	}
	p.drop(ev.ID)
	return false, nil
}

// UpdateEvent writes ev. When movedFrom names a different calendar than
// ev.Calendar the event is recreated in its new calendar and deleted from
// movedFrom; each half stages independently.
func (p *Plugin) UpdateEvent(ctx context.Context, ev *model.Event, h model.Horizon, movedFrom *model.Calendar) (model.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateEvent(ctx, ev, h.Window(p.nowFunc()), movedFrom)
}

func (p *Plugin) updateEvent(ctx context.Context, ev *model.Event, w model.Window, movedFrom *model.Calendar) (model.Result, error) {
	if movedFrom == nil {
		movedFrom = p.previousCalendar(ev.ID)
	}
	oldCalendar := ev.Calendar
	if movedFrom != nil {
		oldCalendar = movedFrom
	}

	if p.isPendingCreation(ev.ID) {
		// The remote side has never seen this id; the edit waits for the
		// creation replay to assign a real one. A calendar change is replayed
		// as a move once the creation has landed in its original calendar.
		return p.stageUpdate(ctx, ev, w, oldCalendar, nil)
	}

	if movedFrom != nil && ev.Calendar != nil && movedFrom.ID != ev.Calendar.ID {
		return p.moveEvent(ctx, ev, w, movedFrom)
	}

	updated, err := p.backend.Update(ctx, ev, p.stagedOrigin(ev))
	if err == nil {
		// Older staged edits are superseded by the version just written.
		if _, staged := p.cache.Updated[ev.ID]; staged {
			delete(p.cache.Updated, ev.ID)
			if err := p.persist(ctx); err != nil {
				return model.Result{}, err
			}
		}
		adoptCalendar(updated, ev)
		return p.synced(updated, w)
	}
	if !model.IsSyncError(err) {
		return model.Result{}, fmt.Errorf("calendar: updating event %s: %w", ev.ID, err)
	}
	return p.stageUpdate(ctx, ev, w, oldCalendar, err)
}

// previousCalendar returns the calendar id currently holds in the snapshot,
// or nil when the event is not shown.
func (p *Plugin) previousCalendar(id string) *model.Calendar {
	if r, ok := p.snap.Load().Event(id); ok && r.Event != nil {
		return r.Event.Calendar
	}
	return nil
}

// stagedOrigin returns the calendar the first staged edit of ev moved away
// from, when it differs from ev's calendar.
func (p *Plugin) stagedOrigin(ev *model.Event) *model.Calendar {
	first, ok := p.cache.FirstUpdate(ev.ID)
	if !ok || first.OldCalendar == nil || ev.Calendar == nil || first.OldCalendar.ID == ev.Calendar.ID {
		return nil
	}
	return first.OldCalendar
}

func (p *Plugin) stageUpdate(ctx context.Context, ev *model.Event, w model.Window, oldCalendar *model.Calendar, cause error) (model.Result, error) {
	pending := ev.Clone()
	pending.MarkDesynchronized()
	appLog.Warn("calendar: update not synchronized, staging", "plugin", p.id, "id", ev.ID, "err", cause)

	p.cache.AddUpdate(pending, oldCalendar)
	if err := p.persist(ctx); err != nil {
		return model.Result{}, err
	}
	return p.pending(pending, w)
}

func (p *Plugin) moveEvent(ctx context.Context, ev *model.Event, w model.Window, from *model.Calendar) (model.Result, error) {
	moved := ev.Clone()
	moved.SetID("")
	moved.PrepareForSync()
	for _, sub := range moved.Subcomponents {
		sub.SetID("")
	}

	r, err := p.createEvent(ctx, moved, w)
	if err != nil {
		return model.Result{}, err
	}

	orig := ev.Clone()
	orig.Calendar = from
	if _, err := p.deleteEvent(ctx, orig); err != nil {
		return r, err
	}
	return r, nil
}

// UpdateInstance stores inst as an override of its occurrence and updates the
// root event.
func (p *Plugin) UpdateInstance(ctx context.Context, inst model.EventInstance, h model.Horizon) (model.Result, error) {
	if inst.RootEvent == nil || inst.Instance == nil {
		return model.Result{}, errors.New("calendar: instance without root event")
	}
	root := inst.RootEvent.Clone()
	override := inst.Instance.Clone()
	override.RecurringEventID = inst.InstanceID
	override.SetID(root.ID)
	if root.Subcomponents == nil {
		root.Subcomponents = make(map[string]*model.Event)
	}
	root.Subcomponents[inst.InstanceID] = override

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateEvent(ctx, root, h.Window(p.nowFunc()), nil)
}

// DeleteEventInstance removes one occurrence by adding it to the root's
// exdates and dropping its override, then updating the root.
func (p *Plugin) DeleteEventInstance(ctx context.Context, inst model.EventInstance, h model.Horizon) (model.Result, error) {
	if inst.RootEvent == nil {
		return model.Result{}, errors.New("calendar: instance without root event")
	}
	occ, err := model.ParseOccurrenceKey(inst.InstanceID)
	if err != nil {
		return model.Result{}, fmt.Errorf("calendar: instance key %q: %w", inst.InstanceID, err)
	}

	root := inst.RootEvent.Clone()
	root.AddExDate(occ.In(root.Start.Location()))
	delete(root.Subcomponents, inst.InstanceID)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateEvent(ctx, root, h.Window(p.nowFunc()), nil)
}

// RestoreExcludedDate removes date from the root's exdates and updates the
// root. Restoring a date that is not excluded returns the root unchanged.
func (p *Plugin) RestoreExcludedDate(ctx context.Context, root *model.Event, date time.Time, h model.Horizon) (model.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := h.Window(p.nowFunc())

	restored := root.Clone()
	if !restored.RemoveExDate(model.OccurrenceKey(date)) {
		r, _, err := p.expand(root, w)
		return r, err
	}
	return p.updateEvent(ctx, restored, w, nil)
}

// Lookup finds an event or series root in the latest snapshot.
func (p *Plugin) Lookup(id string) (model.Result, bool) {
	return p.snap.Load().Event(id)
}

func (p *Plugin) isPendingCreation(id string) bool {
	return id == "" || model.IsPlaceholderID(id) || p.cache.IsPendingCreation(id)
}

func (p *Plugin) persist(ctx context.Context) error {
	if err := p.store.Save(ctx, p.cache); err != nil {
		return fmt.Errorf("calendar: plugin %s: %w", p.id, err)
	}
	return nil
}

// synced records a server-confirmed event and announces it.
func (p *Plugin) synced(ev *model.Event, w model.Window) (model.Result, error) {
	r, visible, err := p.expand(ev, w)
	if err != nil {
		return model.Result{}, err
	}
	p.put(ev.ID, r, visible)
	p.displayed(r)
	return r, nil
}

// pending records a staged event and announces the change.
func (p *Plugin) pending(ev *model.Event, w model.Window) (model.Result, error) {
	r, visible, err := p.expand(ev, w)
	if err != nil {
		return model.Result{}, err
	}
	p.put(ev.ID, r, visible)
	p.changed(ev.ID, ev)
	return r, nil
}

func (p *Plugin) expand(ev *model.Event, w model.Window) (model.Result, bool, error) {
	r, visible, err := recurrence.ExpandEvent(ev, w)
	if err != nil {
		return model.Result{}, false, fmt.Errorf("calendar: expanding event %s: %w", ev.ID, err)
	}
	r.Event = ev
	return r, visible, nil
}

func (p *Plugin) put(id string, r model.Result, visible bool) {
	snap := p.snap.Load()
	if snap == nil {
		return
	}
	if visible {
		p.snap.Store(snap.With(id, r))
	} else {
		p.snap.Store(snap.Without(id))
	}
}

func (p *Plugin) drop(id string) {
	if snap := p.snap.Load(); snap != nil {
		p.snap.Store(snap.Without(id))
	}
	p.changed(id, nil)
}

func (p *Plugin) changed(id string, ev *model.Event) {
	for _, l := range p.listeners {
		l.EventChanged(p.id, id, ev)
	}
}

func (p *Plugin) displayed(r model.Result) {
	for _, l := range p.listeners {
		l.EventDisplayed(p.id, r)
	}
}

// adoptCalendar keeps the caller's calendar on backend results that come
// back without one.
func adoptCalendar(got, sent *model.Event) {
	if got.Calendar == nil {
		got.Calendar = sent.Calendar
	}
}
