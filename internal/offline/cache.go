// Package offline holds mutations that could not reach the remote calendar
// and must be replayed later.
package offline

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"deskcal/internal/model"
)

// UpdateEntry is one staged edit. OldCalendar is the calendar the event was
// in before the edit, so replay can detect a move.
type UpdateEntry struct {
	NewData     *model.Event    `json:"new_data"`
	OldCalendar *model.Calendar `json:"old_calendar,omitempty"`
}

// Cache stages created, updated and deleted events by event id. Replaying
// updates only consults the last entry per id.
type Cache struct {
	Created map[string]*model.Event  `json:"created_events"`
	Updated map[string][]UpdateEntry `json:"updated_events"`
	Deleted map[string]*model.Event  `json:"deleted_events"`
}

func New() *Cache {
	c := &Cache{}
	c.init()
	return c
}

func (c *Cache) init() {
	if c.Created == nil {
		c.Created = make(map[string]*model.Event)
	}
	if c.Updated == nil {
		c.Updated = make(map[string][]UpdateEntry)
	}
	if c.Deleted == nil {
		c.Deleted = make(map[string]*model.Event)
	}
}

// AddCreation stages ev for creation, replacing any earlier staged payload.
func (c *Cache) AddCreation(ev *model.Event) {
	c.Created[ev.ID] = ev
}

// AddUpdate queues an edit of ev.
func (c *Cache) AddUpdate(ev *model.Event, oldCalendar *model.Calendar) {
	c.Updated[ev.ID] = append(c.Updated[ev.ID], UpdateEntry{NewData: ev, OldCalendar: oldCalendar})
}

// AddDeletion stages ev for deletion, replacing any earlier staged payload.
func (c *Cache) AddDeletion(ev *model.Event) {
	c.Deleted[ev.ID] = ev
}

// DeleteCachedEvent forgets a staged creation and its edits. Used when an
// event is deleted before the remote side ever saw it.
func (c *Cache) DeleteCachedEvent(id string) {
	delete(c.Created, id)
	delete(c.Updated, id)
}

// IsPendingCreation reports whether id has a staged creation.
func (c *Cache) IsPendingCreation(id string) bool {
	_, ok := c.Created[id]
	return ok
}

// LastUpdate returns the most recent staged edit for id.
func (c *Cache) LastUpdate(id string) (UpdateEntry, bool) {
	entries := c.Updated[id]
	if len(entries) == 0 {
		return UpdateEntry{}, false
	}
	return entries[len(entries)-1], true
}

// FirstUpdate returns the oldest staged edit for id; its OldCalendar is the
// calendar the remote side still has the event in.
func (c *Cache) FirstUpdate(id string) (UpdateEntry, bool) {
	entries := c.Updated[id]
	if len(entries) == 0 {
		return UpdateEntry{}, false
	}
	return entries[0], true
}

// Rekey moves the staged edits of oldID to newID and rewrites their ids.
// It reports false when oldID had nothing staged.
func (c *Cache) Rekey(oldID, newID string) bool {
	entries, ok := c.Updated[oldID]
	if !ok {
		return false
	}
	delete(c.Updated, oldID)
	for _, e := range entries {
		if e.NewData != nil {
			e.NewData.SetID(newID)
		}
	}
	c.Updated[newID] = append(c.Updated[newID], entries...)
	return true
}

func (c *Cache) Empty() bool {
	return c.Len() == 0
}

// Len counts staged ids across all three maps.
func (c *Cache) Len() int {
	return len(c.Created) + len(c.Updated) + len(c.Deleted)
}

// CreatedIDs, UpdatedIDs and DeletedIDs return ids in sorted order so replay
// is deterministic.
func (c *Cache) CreatedIDs() []string { return slices.Sorted(maps.Keys(c.Created)) }
func (c *Cache) UpdatedIDs() []string { return slices.Sorted(maps.Keys(c.Updated)) }
func (c *Cache) DeletedIDs() []string { return slices.Sorted(maps.Keys(c.Deleted)) }

// Clone deep-copies the cache.
func (c *Cache) Clone() *Cache {
	out := New()
	for id, ev := range c.Created {
		out.Created[id] = ev.Clone()
	}
	for id, entries := range c.Updated {
		cp := make([]UpdateEntry, len(entries))
		for i, e := range entries {
			cp[i] = UpdateEntry{NewData: e.NewData.Clone(), OldCalendar: e.OldCalendar}
		}
		out.Updated[id] = cp
	}
	for id, ev := range c.Deleted {
		out.Deleted[id] = ev.Clone()
	}
	return out
}

// CacheName is the storage key for a plugin's offline cache.
func CacheName(pluginID string) string {
	return "cal_event_cache_" + pluginID
}

// KV is the durable storage the cache persists to.
type KV interface {
	Load(ctx context.Context, name string, v any) (bool, error)
	Save(ctx context.Context, name string, v any) error
}

// Store loads and saves one plugin's cache.
type Store struct {
	kv   KV
	name string
}

func NewStore(kv KV, pluginID string) *Store {
	return &Store{kv: kv, name: CacheName(pluginID)}
}

// Load returns the persisted cache, or an empty one when none was saved.
func (s *Store) Load(ctx context.Context) (*Cache, error) {
	c := New()
	if _, err := s.kv.Load(ctx, s.name, c); err != nil {
		return nil, fmt.Errorf("offline: loading %s: %w", s.name, err)
	}
	c.init()
	for _, ev := range c.Created {
		ev.MarkDesynchronized()
	}
	for _, entries := range c.Updated {
		for _, e := range entries {
			if e.NewData != nil {
				e.NewData.MarkDesynchronized()
			}
		}
	}
	for _, ev := range c.Deleted {
		ev.MarkDesynchronized()
	}
	return c, nil
}

func (s *Store) Save(ctx context.Context, c *Cache) error {
	if err := s.kv.Save(ctx, s.name, c); err != nil {
		return fmt.Errorf("offline: saving %s: %w", s.name, err)
	}
	return nil
}
