package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "deskcal/internal/log"
)

// Holder gives concurrent readers the current configuration and lets a
// watcher swap it.
type Holder struct {
	path string

	mu  sync.RWMutex
	cfg *Config
}

// NewHolder wraps an already loaded configuration.
func NewHolder(path string, cfg *Config) *Holder {
	return &Holder{path: path, cfg: cfg}
}

func (h *Holder) Path() string { return h.path }

// Config returns the current configuration. Callers must not mutate it.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Reload re-reads the file. On error the previous configuration is kept.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return cfg, nil
}

// debounce collapses the burst of events editors produce on save.
const debounce = 250 * time.Millisecond

// Watch reloads the configuration whenever the file changes and calls
// onChange with the new value. The parent directory is watched so atomic
// renames are seen. Watch blocks until ctx is done.
func (h *Holder) Watch(ctx context.Context, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(h.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: watching %s: %w", filepath.Dir(target), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := h.Reload()
			if err != nil {
				appLog.Error("config: reload failed, keeping previous config", err, "path", h.path)
				continue
			}
			appLog.Info("config: reloaded", "path", h.path, "plugins", len(cfg.Plugins))
			if onChange != nil {
				onChange(cfg)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			appLog.Warn("config: watcher error", "err", err)
		}
	}
}
