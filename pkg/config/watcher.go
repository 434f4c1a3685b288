package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cexll/sessionkit/pkg/telemetry"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher reloads a Loader's file when it changes on disk and hands every
// new valid configuration to its subscribers. Invalid edits are logged and
// the last good configuration stays in effect.
type Watcher struct {
	loader   *Loader
	fs       *fsnotify.Watcher
	logger   telemetry.Logger
	debounce time.Duration

	mu   sync.Mutex
	subs []func(*Config)
}

// WatcherOption tunes a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce coalesces bursts of file events. Editors often write a file
// in several steps.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger used for reload outcomes.
func WithWatchLogger(l telemetry.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher watches the directory holding the loader's file, so that
// atomic replace-by-rename is observed too.
func NewWatcher(loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if loader == nil {
		return nil, errors.New("config: loader is nil")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(loader.Path())); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(loader.Path()), err)
	}
	w := &Watcher{loader: loader, fs: fw, debounce: defaultDebounce}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = telemetry.OrNoop(w.logger)
	return w, nil
}

// Subscribe registers fn for every successfully reloaded configuration.
// Callbacks run on the watcher goroutine.
func (w *Watcher) Subscribe(fn func(*Config)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.subs = append(w.subs, fn)
	w.mu.Unlock()
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.loader.Path() {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "config watch error", "error", err)
		case <-fire:
			fire = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	prev, _ := w.loader.Last()
	cfg, err := w.loader.Reload()
	if err != nil {
		w.logger.Warn(ctx, "config reload rejected", "path", w.loader.Path(), "error", err)
		return
	}
	if prev != nil && prev.SourceHash == cfg.SourceHash {
		return
	}
	w.logger.Info(ctx, "config reloaded", "path", w.loader.Path(), "hash", cfg.SourceHash)
	w.mu.Lock()
	subs := append([](func(*Config))(nil), w.subs...)
	w.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
