// Package caldav is a read-write backend for CalDAV servers (Nextcloud,
// Radicale, iCloud and friends).
package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"deskcal/internal/backend"
	"deskcal/internal/calendar"
	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

// Config describes one CalDAV account.
type Config struct {
	ID       string
	URL      string
	Username string
	Password string
	// Calendars limits the account to calendars with these display names.
	// Empty means every calendar.
	Calendars []string
	// Colors maps a display name to a #rrggbb background.
	Colors map[string]string
}

// KV caches the discovered calendar list so a fetch can proceed when
// discovery itself is unreachable.
type KV interface {
	Load(ctx context.Context, name string, v any) (bool, error)
	Save(ctx context.Context, name string, v any) error
}

// davClient is the subset of *caldav.Client the backend uses.
type davClient interface {
	FindCurrentUserPrincipal(ctx context.Context) (string, error)
	FindCalendarHomeSet(ctx context.Context, principal string) (string, error)
	FindCalendars(ctx context.Context, homeSet string) ([]caldav.Calendar, error)
	QueryCalendar(ctx context.Context, calendar string, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error)
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
	RemoveAll(ctx context.Context, name string) error
}

var _ davClient = (*caldav.Client)(nil)

// Backend talks to one CalDAV account.
type Backend struct {
	cfg     Config
	dav     davClient
	kv      KV
	nowFunc func() time.Time
	newUID  func() string
}

var _ calendar.Backend = (*Backend)(nil)

// New builds a backend whose requests go through httpClient with basic auth.
func New(cfg Config, kv KV, httpClient *http.Client) (*Backend, error) {
	var hc webdav.HTTPClient = httpClient
	if cfg.Username != "" {
		hc = webdav.HTTPClientWithBasicAuth(httpClient, cfg.Username, cfg.Password)
	}
	dav, err := caldav.NewClient(hc, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("caldav: creating client for %s: %w", backend.RedactURL(cfg.URL), err)
	}
	return newBackend(cfg, kv, dav), nil
}

func newBackend(cfg Config, kv KV, dav davClient) *Backend {
	return &Backend{
		cfg:     cfg,
		dav:     dav,
		kv:      kv,
		nowFunc: time.Now,
		newUID:  uuid.NewString,
	}
}

// CalendarsCacheName is the storage key of the discovered calendar list.
func CalendarsCacheName(id string) string {
	return "caldav_cals_" + id
}

// discover resolves principal, home set and calendars. A discovery failure
// that is worth retrying falls back to the last list seen.
func (b *Backend) discover(ctx context.Context) ([]caldav.Calendar, error) {
	cals, err := b.findCalendars(ctx)
	if err == nil {
		if err := b.kv.Save(ctx, CalendarsCacheName(b.cfg.ID), cals); err != nil {
			appLog.Error("caldav: caching calendar list failed", err, "plugin", b.cfg.ID)
		}
		return cals, nil
	}
	if !model.IsSyncError(err) {
		return nil, err
	}

	var cached []caldav.Calendar
	found, loadErr := b.kv.Load(ctx, CalendarsCacheName(b.cfg.ID), &cached)
	if loadErr != nil || !found {
		return nil, err
	}
	appLog.Warn("caldav: discovery failed, using cached calendar list", "plugin", b.cfg.ID, "err", err)
	return cached, nil
}

func (b *Backend) findCalendars(ctx context.Context) ([]caldav.Calendar, error) {
	principal, err := b.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("caldav: finding principal: %w", err)
	}
	homeSet, err := b.dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("caldav: finding calendar home set: %w", err)
	}
	cals, err := b.dav.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("caldav: listing calendars: %w", err)
	}

	if len(b.cfg.Calendars) == 0 {
		return cals, nil
	}
	var keep []caldav.Calendar
	for _, c := range cals {
		for _, name := range b.cfg.Calendars {
			if strings.EqualFold(c.Name, name) {
				keep = append(keep, c)
				break
			}
		}
	}
	return keep, nil
}

// toCalendars assigns colours from config, else cycles the default palette.
func (b *Backend) toCalendars(cals []caldav.Calendar) []*model.Calendar {
	palette := model.DefaultPalette()
	out := make([]*model.Calendar, 0, len(cals))
	for i, c := range cals {
		colors := palette[fmt.Sprint(i%len(palette)+1)]
		bg := colors.BgColor
		if hex, ok := b.cfg.Colors[c.Name]; ok {
			if parsed, err := model.ParseColor(hex); err == nil {
				bg = parsed
			} else {
				appLog.Warn("caldav: invalid colour, using palette", "plugin", b.cfg.ID, "calendar", c.Name, "color", hex)
			}
		}
		name := c.Name
		if name == "" {
			name = path.Base(strings.TrimSuffix(c.Path, "/"))
		}
		data := map[string]any{"path": c.Path}
		if c.Description != "" {
			data["description"] = c.Description
		}
		out = append(out, model.NewCalendar(c.Path, name, model.AccessOwner, colors.FgColor, bg, data, i == 0))
	}
	return out
}

func (b *Backend) Fetch(ctx context.Context, w model.Window) (*calendar.RemoteData, error) {
	found, err := b.discover(ctx)
	if err != nil {
		return nil, err
	}
	cals := b.toCalendars(found)

	data := &calendar.RemoteData{Calendars: cals, AccountName: b.cfg.Username}
	var firstErr error
	failed := 0
	for _, cal := range cals {
		events, todos, err := b.queryCalendar(ctx, cal, w)
		if err != nil {
			if errors.Is(err, model.ErrCredentials) {
				return nil, err
			}
			appLog.Error("caldav: querying calendar failed", err, "plugin", b.cfg.ID, "calendar", cal.Name)
			if firstErr == nil {
				firstErr = err
			}
			failed++
			continue
		}
		data.Events = append(data.Events, events...)
		data.Todos = append(data.Todos, todos...)
	}
	if failed > 0 && failed == len(cals) {
		return nil, firstErr
	}

	appLog.Info("caldav: fetch done",
		"plugin", b.cfg.ID,
		"calendars", len(cals),
		"events", len(data.Events),
		"todos", len(data.Todos),
	)
	return data, nil
}

func (b *Backend) queryCalendar(ctx context.Context, cal *model.Calendar, w model.Window) ([]*model.Event, []*model.Todo, error) {
	eventQuery := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: w.Start.UTC(),
				End:   w.End.UTC(),
			}},
		},
	}
	objs, err := b.dav.QueryCalendar(ctx, cal.ID, eventQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("caldav: querying events in %s: %w", cal.Name, err)
	}
	events, _ := fromObjects(objs, cal)

	todoQuery := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompToDo}},
		},
	}
	todoObjs, err := b.dav.QueryCalendar(ctx, cal.ID, todoQuery)
	if err != nil {
		// Servers without VTODO support reject the query; events still count.
		appLog.Debug("caldav: todo query failed", "plugin", b.cfg.ID, "calendar", cal.Name, "err", err)
		return events, nil, nil
	}
	_, todos := fromObjects(todoObjs, cal)
	return events, todos, nil
}

func objectPath(cal *model.Calendar, uid string) string {
	dir := cal.ID
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir + uid + ".ics"
}

// href is where the server currently stores ev.
func href(ev *model.Event) string {
	if h, ok := ev.Data["href"].(string); ok && h != "" {
		return h
	}
	return objectPath(ev.Calendar, ev.ID)
}

func (b *Backend) put(ctx context.Context, ev *model.Event, uid, objPath string) (*model.Event, error) {
	obj, err := b.dav.PutCalendarObject(ctx, objPath, toICal(ev, uid, b.nowFunc()))
	if err != nil {
		return nil, err
	}
	out := ev.Clone()
	out.SetID(uid)
	out.Data["href"] = objPath
	if obj != nil {
		out.Data["etag"] = obj.ETag
	}
	return out, nil
}

func (b *Backend) Create(ctx context.Context, ev *model.Event) (*model.Event, error) {
	if ev.Calendar == nil {
		return nil, errors.New("caldav: create: event has no calendar")
	}
	uid := b.newUID()
	objPath := objectPath(ev.Calendar, uid)
	out, err := b.put(ctx, ev, uid, objPath)
	if err != nil {
		return nil, fmt.Errorf("caldav: creating %q: %w", ev.Title, err)
	}
	appLog.Info("caldav: event created", "plugin", b.cfg.ID, "uid", uid, "calendar", ev.Calendar.Name)
	return out, nil
}

func (b *Backend) Update(ctx context.Context, ev *model.Event, movedFrom *model.Calendar) (*model.Event, error) {
	if ev.Calendar == nil || ev.ID == "" {
		return nil, errors.New("caldav: update: event has no calendar or id")
	}

	if movedFrom == nil || movedFrom.ID == ev.Calendar.ID {
		out, err := b.put(ctx, ev, ev.ID, href(ev))
		if err != nil {
			return nil, fmt.Errorf("caldav: updating %s: %w", ev.ID, err)
		}
		return out, nil
	}

	oldPath, _ := ev.Data["href"].(string)
	if oldPath == "" || strings.HasPrefix(oldPath, ev.Calendar.ID) {
		oldPath = objectPath(movedFrom, ev.ID)
	}
	out, err := b.put(ctx, ev, ev.ID, objectPath(ev.Calendar, ev.ID))
	if err != nil {
		return nil, fmt.Errorf("caldav: moving %s: %w", ev.ID, err)
	}
	if err := b.dav.RemoveAll(ctx, oldPath); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return nil, fmt.Errorf("caldav: removing %s after move: %w", ev.ID, err)
	}
	appLog.Info("caldav: event moved", "plugin", b.cfg.ID, "uid", ev.ID, "from", movedFrom.Name, "to", ev.Calendar.Name)
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, ev *model.Event) error {
	if ev.Calendar == nil || ev.ID == "" {
		return errors.New("caldav: delete: event has no calendar or id")
	}
	if err := b.dav.RemoveAll(ctx, href(ev)); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			appLog.Debug("caldav: event already gone", "plugin", b.cfg.ID, "uid", ev.ID)
			return nil
		}
		return fmt.Errorf("caldav: deleting %s: %w", ev.ID, err)
	}
	return nil
}
