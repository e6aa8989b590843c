// Package google is the Google Calendar backend. It lists series roots and
// their exceptions rather than single events, so recurrence is expanded
// locally like every other backend.
package google

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"deskcal/internal/backend"
	"deskcal/internal/calendar"
	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

const defaultTimeout = 30 * time.Second

// Config describes one Google account.
type Config struct {
	ID              string
	CredentialsFile string
	TokenFile       string
	// Calendars limits the account to these calendar ids. Empty means every
	// calendar that is not hidden.
	Calendars []string
	Timeout   time.Duration
}

// Backend talks to the Calendar v3 API.
type Backend struct {
	cfg Config
	srv *gcal.Service

	mu      sync.Mutex
	palette model.Palette
}

var _ calendar.Backend = (*Backend)(nil)

// New loads the credentials and saved token and builds an authorized
// service. A missing token is reported as model.ErrCredentials.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	creds, err := LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	tok, err := LoadToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, fmt.Errorf("google: no token at %s, run `deskcal auth google` first: %w", cfg.TokenFile, model.ErrCredentials)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	// The token source outlives the caller's context.
	base := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	oc := OAuthConfig(creds, "")
	ts := oauth2.ReuseTokenSource(tok, newPersistingSource(oc.TokenSource(base, tok), cfg.TokenFile, tok))

	srv, err := gcal.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(base, ts)))
	if err != nil {
		return nil, fmt.Errorf("google: creating calendar service: %w", err)
	}
	return newBackend(cfg, srv), nil
}

func newBackend(cfg Config, srv *gcal.Service) *Backend {
	return &Backend{cfg: cfg, srv: srv}
}

func (b *Backend) currentPalette() model.Palette {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.palette == nil {
		return model.DefaultPalette()
	}
	return b.palette
}

func (b *Backend) Fetch(ctx context.Context, w model.Window) (*calendar.RemoteData, error) {
	cals, err := b.listCalendars(ctx)
	if err != nil {
		return nil, err
	}

	colors, err := b.srv.Colors.Get().Context(ctx).Do()
	var palette model.Palette
	if err != nil {
		appLog.Warn("google: fetching colours failed, using default palette", "plugin", b.cfg.ID, "err", err)
	} else {
		palette = fromColors(colors)
	}
	b.mu.Lock()
	b.palette = palette
	b.mu.Unlock()

	data := &calendar.RemoteData{Calendars: cals, Colors: palette}
	var firstErr error
	failed := 0
	for _, cal := range cals {
		if cal.Primary {
			data.AccountName = cal.ID
		}
		events, err := b.listEvents(ctx, cal, w, b.currentPalette())
		if err != nil {
			if errors.Is(err, model.ErrCredentials) {
				return nil, err
			}
			appLog.Error("google: listing events failed", err, "plugin", b.cfg.ID, "calendar", cal.Name)
			if firstErr == nil {
				firstErr = err
			}
			failed++
			continue
		}
		data.Events = append(data.Events, events...)
	}
	if failed > 0 && failed == len(cals) {
		return nil, firstErr
	}

	appLog.Info("google: fetch done", "plugin", b.cfg.ID, "calendars", len(cals), "events", len(data.Events))
	return data, nil
}

func (b *Backend) listCalendars(ctx context.Context) ([]*model.Calendar, error) {
	var out []*model.Calendar
	err := b.srv.CalendarList.List().Context(ctx).Pages(ctx, func(page *gcal.CalendarList) error {
		for _, item := range page.Items {
			if item.Deleted || (item.Hidden && len(b.cfg.Calendars) == 0) {
				continue
			}
			if len(b.cfg.Calendars) > 0 && !slices.Contains(b.cfg.Calendars, item.Id) {
				continue
			}
			out = append(out, fromCalendarEntry(item))
		}
		return nil
	})
	if err != nil {
		return nil, classify("listing calendars", err)
	}
	return out, nil
}

// listEvents returns root events for cal with their exceptions attached.
// Cancelled exceptions become exdates.
func (b *Backend) listEvents(ctx context.Context, cal *model.Calendar, w model.Window, palette model.Palette) ([]*model.Event, error) {
	var items []*gcal.Event
	err := b.srv.Events.List(cal.ID).
		Context(ctx).
		TimeMin(w.Start.Format(time.RFC3339)).
		TimeMax(w.End.Format(time.RFC3339)).
		ShowDeleted(true).
		Pages(ctx, func(page *gcal.Events) error {
			items = append(items, page.Items...)
			return nil
		})
	if err != nil {
		return nil, classify("listing events in "+cal.Name, err)
	}

	roots := make(map[string]*model.Event)
	var order []string
	var exceptions []*gcal.Event
	for _, item := range items {
		if item.RecurringEventId != "" {
			exceptions = append(exceptions, item)
			continue
		}
		if item.Status == statusCancelled {
			continue
		}
		ev, err := fromGoogle(item, cal, palette)
		if err != nil {
			appLog.Warn("google: skipping event", "plugin", b.cfg.ID, "id", item.Id, "err", err)
			continue
		}
		roots[ev.ID] = ev
		order = append(order, ev.ID)
	}

	for _, item := range exceptions {
		root, ok := roots[item.RecurringEventId]
		if !ok {
			appLog.Debug("google: exception without series in window", "plugin", b.cfg.ID, "id", item.Id)
			continue
		}
		orig, _, err := parseEventTime(item.OriginalStartTime)
		if err != nil || orig.IsZero() {
			appLog.Warn("google: exception without original start", "plugin", b.cfg.ID, "id", item.Id)
			continue
		}
		if item.Status == statusCancelled {
			root.AddExDate(orig)
			continue
		}
		override, err := fromGoogle(item, cal, palette)
		if err != nil {
			appLog.Warn("google: skipping exception", "plugin", b.cfg.ID, "id", item.Id, "err", err)
			continue
		}
		key := model.OccurrenceKey(orig)
		override.RecurringEventID = key
		if root.Subcomponents == nil {
			root.Subcomponents = make(map[string]*model.Event)
		}
		root.Subcomponents[key] = override
	}

	out := make([]*model.Event, 0, len(order))
	for _, id := range order {
		out = append(out, roots[id])
	}
	return out, nil
}

func (b *Backend) Create(ctx context.Context, ev *model.Event) (*model.Event, error) {
	if ev.Calendar == nil {
		return nil, errors.New("google: create: event has no calendar")
	}
	palette := b.currentPalette()
	created, err := b.srv.Events.Insert(ev.Calendar.ID, toGoogle(ev, palette)).Context(ctx).Do()
	if err != nil {
		return nil, classify("creating event", err)
	}
	if err := b.writeOverrides(ctx, ev.Calendar.ID, created.Id, ev, palette); err != nil {
		return nil, err
	}
	appLog.Info("google: event created", "plugin", b.cfg.ID, "id", created.Id, "calendar", ev.Calendar.Name)
	return b.result(created, ev, palette)
}

func (b *Backend) Update(ctx context.Context, ev *model.Event, movedFrom *model.Calendar) (*model.Event, error) {
	if ev.Calendar == nil || ev.ID == "" {
		return nil, errors.New("google: update: event has no calendar or id")
	}
	if movedFrom != nil && movedFrom.ID != ev.Calendar.ID {
		if _, err := b.srv.Events.Move(movedFrom.ID, ev.ID, ev.Calendar.ID).Context(ctx).Do(); err != nil {
			return nil, classify("moving event "+ev.ID, err)
		}
		appLog.Info("google: event moved", "plugin", b.cfg.ID, "id", ev.ID, "from", movedFrom.Name, "to", ev.Calendar.Name)
	}

	palette := b.currentPalette()
	updated, err := b.srv.Events.Update(ev.Calendar.ID, ev.ID, toGoogle(ev, palette)).Context(ctx).Do()
	if err != nil {
		return nil, classify("updating event "+ev.ID, err)
	}
	if err := b.writeOverrides(ctx, ev.Calendar.ID, updated.Id, ev, palette); err != nil {
		return nil, err
	}
	return b.result(updated, ev, palette)
}

// writeOverrides updates each modified occurrence through its instance id.
func (b *Backend) writeOverrides(ctx context.Context, calID, rootID string, ev *model.Event, palette model.Palette) error {
	for _, key := range slices.Sorted(maps.Keys(ev.Subcomponents)) {
		sub := ev.Subcomponents[key]
		if sub == nil {
			continue
		}
		orig, err := model.ParseOccurrenceKey(key)
		if err != nil {
			appLog.Warn("google: skipping override with bad key", "plugin", b.cfg.ID, "key", key)
			continue
		}
		g := toGoogle(sub, palette)
		g.Recurrence = nil
		g.RecurringEventId = rootID
		// All-day occurrences are addressed by their date in the series' zone.
		orig = orig.In(ev.Start.Location())
		g.OriginalStartTime = toEventDateTime(orig, ev.AllDay, ev.Timezone)
		id := instanceID(rootID, orig, ev.AllDay)
		if _, err := b.srv.Events.Update(calID, id, g).Context(ctx).Do(); err != nil {
			return classify("updating occurrence "+id, err)
		}
	}
	return nil
}

// result maps the API answer and keeps the overrides that were written.
func (b *Backend) result(item *gcal.Event, sent *model.Event, palette model.Palette) (*model.Event, error) {
	out, err := fromGoogle(item, sent.Calendar, palette)
	if err != nil {
		return nil, fmt.Errorf("google: decoding response for %s: %w", item.Id, err)
	}
	if len(sent.Subcomponents) > 0 {
		out.Subcomponents = sent.Clone().Subcomponents
	}
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, ev *model.Event) error {
	if ev.Calendar == nil || ev.ID == "" {
		return errors.New("google: delete: event has no calendar or id")
	}
	err := b.srv.Events.Delete(ev.Calendar.ID, ev.ID).Context(ctx).Do()
	if err == nil {
		return nil
	}
	err = classify("deleting event "+ev.ID, err)
	if errors.Is(err, backend.ErrNotFound) {
		appLog.Debug("google: event already gone", "plugin", b.cfg.ID, "id", ev.ID)
		return nil
	}
	return err
}

// classify maps API failures onto the engine's error classes. Rate limiting
// answered with 403 is retryable.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return model.NewSyncError("google "+op, err)
			}
		}
		if se := backend.StatusError("google "+op, gerr.Code, http.StatusText(gerr.Code)); se != nil {
			return se
		}
		return fmt.Errorf("google: %s: %w", op, err)
	}
	return fmt.Errorf("google: %s: %w", op, backend.Classify(op, err))
}
