package calendar

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	appLog "deskcal/internal/log"
	"deskcal/internal/model"
)

// defaultRefreshWorkers bounds concurrent plugin refreshes.
const defaultRefreshWorkers = 4

// Registry holds the configured plugins by id.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

// Add registers p. Plugin ids must be unique.
func (r *Registry) Add(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.ID()]; ok {
		return fmt.Errorf("calendar: duplicate plugin id %q", p.ID())
	}
	r.plugins[p.ID()] = p
	return nil
}

func (r *Registry) Get(id string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// Plugins returns all plugins ordered by id.
func (r *Registry) Plugins() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, id := range slices.Sorted(maps.Keys(r.plugins)) {
		out = append(out, r.plugins[id])
	}
	return out
}

// AddListener registers l on every plugin.
func (r *Registry) AddListener(l Listener) {
	for _, p := range r.Plugins() {
		p.AddListener(l)
	}
}

// RefreshAll refreshes every plugin with at most workers in flight. A failing
// plugin does not stop the others; all failures are returned joined.
func (r *Registry) RefreshAll(ctx context.Context, h model.Horizon, workers int) error {
	if workers <= 0 {
		workers = defaultRefreshWorkers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, p := range r.Plugins() {
		g.Go(func() error {
			if _, err := p.Refresh(gctx, h); err != nil {
				appLog.Error("calendar: refresh failed", err, "plugin", p.ID())
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// ApplyAll replays every plugin's offline cache in turn.
func (r *Registry) ApplyAll(ctx context.Context, h model.Horizon) error {
	var errs []error
	for _, p := range r.Plugins() {
		if err := p.ApplyOfflineCache(ctx, h); err != nil {
			appLog.Error("calendar: applying offline cache failed", err, "plugin", p.ID())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
