// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tiktok-toe/governor/internal/log"
)

const debounceInterval = 500 * time.Millisecond

// Holder provides thread-safe access to the current configuration and
// reloads it when the file changes. Reloads are atomic: a config that
// fails to load or validate leaves the previous one in place.
type Holder struct {
	mu      sync.RWMutex
	current Config
	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []func(Config)
}

// NewHolder wraps an already-loaded configuration.
func NewHolder(initial Config, path string) *Holder {
	return &Holder{
		current: initial,
		path:    path,
		logger:  log.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnReload registers a callback invoked with the new configuration after
// each successful reload.
func (h *Holder) OnReload(fn func(Config)) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload re-reads the file and swaps the configuration if it validates.
func (h *Holder) Reload(_ context.Context) error {
	newCfg, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).
			Str(log.FieldEvent, "config.reload_failed").
			Msg("keeping previous configuration")
		return err
	}

	h.mu.Lock()
	h.current = newCfg
	h.mu.Unlock()

	h.listenerMu.RLock()
	listeners := h.listeners
	h.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(newCfg)
	}

	h.logger.Info().
		Str(log.FieldEvent, "config.reloaded").
		Msg("configuration reloaded")
	return nil
}

// StartWatcher watches the config file and reloads on change, debounced
// against editors that write in bursts. A no-op when no path is set.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.path == "" {
		h.logger.Info().
			Str(log.FieldEvent, "config.watcher_disabled").
			Msg("no config file, env-only configuration")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", h.path, err)
	}
	h.watcher = watcher

	h.logger.Info().
		Str(log.FieldEvent, "config.watcher_started").
		Str("path", h.path).
		Msg("watching config file")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			_ = h.watcher.Close()
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			// Write and Create cover in-place edits and rename-over saves.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, func() {
				_ = h.Reload(ctx)
			})

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).
				Str(log.FieldEvent, "config.watcher_error").
				Msg("config watcher error")
		}
	}
}
