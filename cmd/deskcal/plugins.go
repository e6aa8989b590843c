package main

import (
	"context"
	"errors"
	"fmt"

	"deskcal/internal/backend"
	"deskcal/internal/backend/caldav"
	"deskcal/internal/backend/google"
	"deskcal/internal/backend/webcal"
	"deskcal/internal/calendar"
	"deskcal/internal/config"
	appLog "deskcal/internal/log"
	"deskcal/internal/model"
	"deskcal/internal/storage"
)

const databaseName = "deskcal.db"

// openStore opens the state database under the configured data dir.
func openStore(ctx context.Context, cfg *config.Config) (*storage.Store, error) {
	store, err := storage.Open(ctx, cfg.DataPath(databaseName), appLog.Logger())
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	return store, nil
}

// newBackend builds the remote calendar for one plugin entry.
func newBackend(ctx context.Context, cfg *config.Config, pc config.PluginConfig, store *storage.Store) (calendar.Backend, error) {
	switch pc.Type {
	case config.TypeWebcal:
		return webcal.New(webcal.Config{
			ID:       pc.ID,
			Name:     pc.Name,
			URL:      pc.URL,
			Username: pc.Username,
			Password: pc.Password,
			Color:    pc.Colors["default"],
		}, store, backend.NewHTTPClient(cfg.Timeout())), nil

	case config.TypeCalDAV:
		return caldav.New(caldav.Config{
			ID:        pc.ID,
			URL:       pc.URL,
			Username:  pc.Username,
			Password:  pc.Password,
			Calendars: pc.Calendars,
			Colors:    pc.Colors,
		}, store, backend.NewHTTPClient(cfg.Timeout()))

	case config.TypeGoogle:
		return google.New(ctx, google.Config{
			ID:              pc.ID,
			CredentialsFile: cfg.DataPath(pc.CredentialsFile),
			TokenFile:       cfg.DataPath(pc.TokenFile),
			Calendars:       pc.Calendars,
			Timeout:         cfg.Timeout(),
		})

	default:
		return nil, fmt.Errorf("plugin %s: unknown type %q", pc.ID, pc.Type)
	}
}

// buildRegistry creates a plugin per config entry. Plugins whose credentials
// are missing or rejected are skipped with an error log so the others still
// run; any other failure aborts.
func buildRegistry(ctx context.Context, cfg *config.Config, store *storage.Store) (*calendar.Registry, error) {
	reg := calendar.NewRegistry()
	for _, pc := range cfg.Plugins {
		b, err := newBackend(ctx, cfg, pc, store)
		if err != nil {
			if errors.Is(err, model.ErrCredentials) {
				appLog.Error("skipping plugin without valid credentials", err, "plugin", pc.ID, "type", pc.Type)
				continue
			}
			return nil, fmt.Errorf("plugin %s: %w", pc.ID, err)
		}
		p, err := calendar.New(ctx, pc.ID, b, store)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(p); err != nil {
			return nil, err
		}
		appLog.Debug("plugin ready", "plugin", pc.ID, "type", pc.Type)
	}
	return reg, nil
}
