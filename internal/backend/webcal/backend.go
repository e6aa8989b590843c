// Package webcal is a read-only backend for ICS subscriptions (webcal:// and
// plain https feeds).
package webcal

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"deskcal/internal/calendar"
	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

var (
	defaultBg = model.MustColor("#7986cb")
	defaultFg = model.MustColor("#f1f1f1")
)

// Config describes one subscription.
type Config struct {
	ID       string
	Name     string
	URL      string
	Username string
	Password string
	// Color overrides the calendar background, as #rrggbb.
	Color string
}

// Backend fetches and parses a single ICS feed.
type Backend struct {
	cfg       Config
	client    *http.Client
	kv        KV
	cacheName string
	nowFunc   func() time.Time
}

var _ calendar.Backend = (*Backend)(nil)

// New returns a backend for cfg. webcal:// URLs are fetched over https.
func New(cfg Config, kv KV, client *http.Client) *Backend {
	if rest, ok := strings.CutPrefix(cfg.URL, "webcal://"); ok {
		cfg.URL = "https://" + rest
	}
	return &Backend{
		cfg:       cfg,
		client:    client,
		kv:        kv,
		cacheName: CacheName(cfg.ID),
		nowFunc:   time.Now,
	}
}

func (b *Backend) Fetch(ctx context.Context, w model.Window) (*calendar.RemoteData, error) {
	res, err := b.fetch(ctx)
	if err != nil {
		return nil, err
	}

	cal := b.calendar()
	f, err := parseFeed(res.Body, cal)
	if err != nil {
		return nil, err
	}
	if f.Name != "" && b.cfg.Name == "" {
		cal.Name = f.Name
	}
	if f.RelCalID != "" {
		cal.Data["relcalid"] = f.RelCalID
	}
	if f.Description != "" {
		cal.Data["description"] = f.Description
	}

	appLog.Info("webcal: feed parsed",
		"plugin", b.cfg.ID,
		"events", len(f.Events),
		"todos", len(f.Todos),
		"from_cache", res.FromCache,
		"window_start", w.Start.Format(time.RFC3339),
	)

	return &calendar.RemoteData{
		Calendars:   []*model.Calendar{cal},
		Events:      f.Events,
		Todos:       f.Todos,
		AccountName: cal.Name,
	}, nil
}

func (b *Backend) calendar() *model.Calendar {
	bg := defaultBg
	if b.cfg.Color != "" {
		if c, err := model.ParseColor(b.cfg.Color); err == nil {
			bg = c
		} else {
			appLog.Warn("webcal: invalid colour, using default", "plugin", b.cfg.ID, "color", b.cfg.Color)
		}
	}
	name := b.cfg.Name
	if name == "" {
		name = b.cfg.ID
	}
	return model.NewCalendar(b.cfg.ID, name, model.AccessReader, defaultFg, bg,
		map[string]any{"url": b.cfg.URL}, true)
}

func (b *Backend) Create(context.Context, *model.Event) (*model.Event, error) {
	return nil, fmt.Errorf("webcal: create: %w", model.ErrReadOnly)
}

func (b *Backend) Update(context.Context, *model.Event, *model.Calendar) (*model.Event, error) {
	return nil, fmt.Errorf("webcal: update: %w", model.ErrReadOnly)
}

func (b *Backend) Delete(context.Context, *model.Event) error {
	return fmt.Errorf("webcal: delete: %w", model.ErrReadOnly)
}
