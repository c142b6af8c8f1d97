package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 500 * time.Millisecond

// ReloadFunc receives the freshly loaded and validated configuration.
type ReloadFunc func(*Config)

// Watcher reloads the configuration when the file changes on disk. Editors
// tend to replace files via rename, so the parent directory is watched and
// events are filtered by name. Reload failures keep the previous config.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	onReload ReloadFunc

	fsw *fsnotify.Watcher
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the logger used for watch and reload diagnostics.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWatchDebounce overrides the event debounce window.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for the config file at path. Start must be
// called before any events are observed.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		logger:   slog.Default().With("component", "config-watcher"),
		debounce: defaultWatchDebounce,
		onReload: onReload,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. The loop exits when ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.fsw = fsw
	go w.loop(ctx, abs)
	return nil
}

func (w *Watcher) loop(ctx context.Context, abs string) {
	defer w.fsw.Close()
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.logger.Warn("config reload failed, keeping previous", "error", err)
			}
		}
	}
}

// Reload loads and validates the file, invoking the callback on success.
// Admin reload_config calls this directly.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if w.onReload != nil {
		w.onReload(cfg)
	}
	w.logger.Info("configuration reloaded", "path", w.path)
	return nil
}
