package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"deskcal/internal/calendar"
	"deskcal/internal/config"
	appLog "deskcal/internal/log"
	"deskcal/internal/storage"
	"deskcal/internal/web"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the scheduled refresh",
		Long: `Serves the widget API, refreshes every plugin on the configured cron
schedule and replays staged edits after each refresh. The config file is
watched; plugin changes take effect without a restart.`,
		RunE: runServe,
	}
}

// daemon owns the long-lived pieces of `deskcal serve`.
type daemon struct {
	holder *config.Holder
	store  *storage.Store
	hub    *web.Hub
	server *web.Server
	cron   *cron.Cron

	mu       sync.Mutex
	registry *calendar.Registry
	entry    cron.EntryID
	schedule string
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := shutdownContext(cmd.Context())
	cfg := holder.Config()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := buildRegistry(ctx, cfg, store)
	if err != nil {
		return err
	}
	hub := web.NewHub()
	reg.AddListener(hub)

	d := &daemon{
		holder:   holder,
		store:    store,
		hub:      hub,
		server:   web.NewServer(holder, reg, hub),
		cron:     cron.New(cron.WithLocation(cfg.Location())),
		registry: reg,
	}
	if err := d.reschedule(ctx, cfg.RefreshCron); err != nil {
		return err
	}
	d.cron.Start()
	defer func() { <-d.cron.Stop().Done() }()

	go d.refresh(ctx)
	go func() {
		if err := holder.Watch(ctx, func(c *config.Config) { d.reload(ctx, c) }); err != nil {
			appLog.Error("config watch stopped", err, "path", holder.Path())
		}
	}()

	appLog.Info("deskcal serving", "version", version, "plugins", len(reg.Plugins()), "refresh", cfg.RefreshCron)
	if err := d.server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	appLog.Info("deskcal exiting")
	return nil
}

func (d *daemon) current() *calendar.Registry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry
}

// refresh fetches every plugin; each refresh also replays its offline cache.
func (d *daemon) refresh(ctx context.Context) {
	cfg := d.holder.Config()
	if err := d.current().RefreshAll(ctx, horizonOf(cfg), cfg.Workers); err != nil {
		appLog.Error("scheduled refresh finished with errors", err)
		return
	}
	appLog.Debug("scheduled refresh done")
}

// reschedule replaces the cron entry when the schedule changed.
func (d *daemon) reschedule(ctx context.Context, spec string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if spec == d.schedule && d.entry != 0 {
		return nil
	}
	id, err := d.cron.AddFunc(spec, func() { d.refresh(ctx) })
	if err != nil {
		return fmt.Errorf("refresh schedule %q: %w", spec, err)
	}
	if d.entry != 0 {
		d.cron.Remove(d.entry)
	}
	d.entry = id
	d.schedule = spec
	return nil
}

// reload applies a changed config file. Listen address and data dir changes
// need a restart; everything else is picked up here.
func (d *daemon) reload(ctx context.Context, cfg *config.Config) {
	applyLogLevel(cfg)

	reg, err := buildRegistry(ctx, cfg, d.store)
	if err != nil {
		appLog.Error("config reload: rebuilding plugins failed, keeping previous plugins", err)
		return
	}
	reg.AddListener(d.hub)

	d.mu.Lock()
	d.registry = reg
	d.mu.Unlock()
	d.server.SetRegistry(reg)

	if err := d.reschedule(ctx, cfg.RefreshCron); err != nil {
		appLog.Error("config reload: keeping previous refresh schedule", err)
	}
	appLog.Info("config reload applied", "plugins", len(reg.Plugins()), "refresh", cfg.RefreshCron)
	go d.refresh(ctx)
}
