// Package calendar is the sync engine between the desktop widget and a remote
// calendar. Mutations that fail transiently are staged in the offline cache
// and replayed later; the widget always sees the optimistic result.
package calendar

import (
	"context"

	"deskcal/internal/model"
)

// RemoteData is everything one fetch returned. Events are root events; the
// engine expands recurring ones.
type RemoteData struct {
	Calendars   []*model.Calendar
	Events      []*model.Event
	Todos       []*model.Todo
	Colors      model.Palette
	AccountName string
}

// Backend is a remote calendar service. Create, Update and Delete return an
// error matching model.ErrSync when the attempt should be retried later; any
// other error is fatal.
type Backend interface {
	Fetch(ctx context.Context, w model.Window) (*RemoteData, error)
	Create(ctx context.Context, ev *model.Event) (*model.Event, error)
	// Update writes ev. movedFrom is the calendar the remote side still has
	// the event in when it differs from ev.Calendar.
	Update(ctx context.Context, ev *model.Event, movedFrom *model.Calendar) (*model.Event, error)
	// Delete removes ev. Deleting an event that is already gone succeeds.
	Delete(ctx context.Context, ev *model.Event) error
}

// Listener receives change notifications. Implementations must not call back
// into the plugin.
type Listener interface {
	// EventChanged reports that eventID now looks like updated, or was
	// deleted when updated is nil.
	EventChanged(pluginID, eventID string, updated *model.Event)
	// EventDisplayed reports a freshly synchronized event or series.
	EventDisplayed(pluginID string, r model.Result)
}
