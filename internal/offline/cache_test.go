package offline

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskcal/internal/model"
	"deskcal/internal/storage"
)

func event(id, title string) *model.Event {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ev := &model.Event{Title: title, Start: start, End: start.Add(time.Hour)}
	ev.SetID(id)
	return ev
}

func TestCache_LastWriteWins(t *testing.T) {
	c := New()

	c.AddCreation(event("a", "first"))
	c.AddCreation(event("a", "second"))
	c.AddDeletion(event("b", "first"))
	c.AddDeletion(event("b", "second"))

	assert.Equal(t, "second", c.Created["a"].Title)
	assert.Equal(t, "second", c.Deleted["b"].Title)
	assert.Equal(t, 2, c.Len())
}

func TestCache_UpdatesStack(t *testing.T) {
	c := New()
	home := &model.Calendar{ID: "home"}
	work := &model.Calendar{ID: "work"}

	c.AddUpdate(event("a", "v1"), home)
	c.AddUpdate(event("a", "v2"), work)

	require.Len(t, c.Updated["a"], 2)
	last, ok := c.LastUpdate("a")
	require.True(t, ok)
	assert.Equal(t, "v2", last.NewData.Title)
	first, ok := c.FirstUpdate("a")
	require.True(t, ok)
	assert.Equal(t, "home", first.OldCalendar.ID)

	_, ok = c.LastUpdate("missing")
	assert.False(t, ok)
}

func TestCache_DeleteCachedEvent(t *testing.T) {
	c := New()
	c.AddCreation(event("non-sync1", "new"))
	c.AddUpdate(event("non-sync1", "edited"), nil)
	c.AddDeletion(event("other", "gone"))

	c.DeleteCachedEvent("non-sync1")

	assert.NotContains(t, c.Created, "non-sync1")
	assert.NotContains(t, c.Updated, "non-sync1")
	assert.Contains(t, c.Deleted, "other")
}

func TestCache_Rekey(t *testing.T) {
	c := New()
	c.AddUpdate(event("non-sync1", "edited"), nil)

	require.True(t, c.Rekey("non-sync1", "real-1"))

	assert.NotContains(t, c.Updated, "non-sync1")
	last, ok := c.LastUpdate("real-1")
	require.True(t, ok)
	assert.Equal(t, "real-1", last.NewData.ID)
	assert.Equal(t, "real-1", last.NewData.Data["id"])

	assert.False(t, c.Rekey("non-sync1", "real-1"))
}

func TestCache_CloneIsIndependent(t *testing.T) {
	c := New()
	c.AddCreation(event("a", "orig"))

	cp := c.Clone()
	cp.Created["a"].Title = "changed"
	cp.AddDeletion(event("b", "x"))

	assert.Equal(t, "orig", c.Created["a"].Title)
	assert.Empty(t, c.Deleted)
}

func TestCache_SortedIDs(t *testing.T) {
	c := New()
	c.AddCreation(event("b", ""))
	c.AddCreation(event("a", ""))

	assert.Equal(t, []string{"a", "b"}, c.CreatedIDs())
	assert.Empty(t, c.UpdatedIDs())
}

func newTestKV(t *testing.T) *storage.Store {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	s, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()
	st := NewStore(kv, "caldav-1")

	c := New()
	created := event("non-sync1", "new")
	created.MarkDesynchronized()
	c.AddCreation(created)
	c.AddUpdate(event("real", "edited"), &model.Calendar{ID: "home"})
	c.AddDeletion(event("old", "gone"))
	require.NoError(t, st.Save(ctx, c))

	got, err := NewStore(kv, "caldav-1").Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"non-sync1"}, got.CreatedIDs())
	assert.Equal(t, "new", got.Created["non-sync1"].Title)
	assert.False(t, got.Created["non-sync1"].IsSynchronized())
	last, ok := got.LastUpdate("real")
	require.True(t, ok)
	assert.Equal(t, "home", last.OldCalendar.ID)
	assert.False(t, last.NewData.IsSynchronized())
	assert.Contains(t, got.Deleted, "old")

	ok, err = kv.Load(ctx, "cal_event_cache_caldav-1", &Cache{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_LoadMissingIsEmpty(t *testing.T) {
	got, err := NewStore(newTestKV(t), "fresh").Load(context.Background())

	require.NoError(t, err)
	assert.True(t, got.Empty())
	assert.NotNil(t, got.Created)
	assert.NotNil(t, got.Updated)
	assert.NotNil(t, got.Deleted)
}
