package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gogpu/orbit"
)

// DefaultDebounce is how long Watch waits after the last change before
// reloading.
const DefaultDebounce = 250 * time.Millisecond

// WatchOption configures Watch.
type WatchOption func(*watchConfig)

type watchConfig struct {
	debounce time.Duration
	load     func(path string) (*Catalog, error)
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatchOption {
	return func(c *watchConfig) { c.debounce = d }
}

// WithLoader replaces Load, for example to reload a TLE file.
func WithLoader(load func(path string) (*Catalog, error)) WatchOption {
	return func(c *watchConfig) { c.load = load }
}

// Watch reloads the catalog at path whenever it changes and passes the
// result to onChange, until ctx is done. Load errors are passed too, with a
// nil catalog; the watch continues. Bursts of events within the debounce
// window produce one reload.
//
// The containing directory is watched so that editors replacing the file by
// rename are seen. onChange runs on the watch goroutine.
func Watch(ctx context.Context, path string, onChange func(*Catalog, error), opts ...WatchOption) error {
	cfg := watchConfig{debounce: DefaultDebounce, load: Load}
	for _, opt := range opts {
		opt(&cfg)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("catalog: watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		timer := time.NewTimer(cfg.debounce)
		timer.Stop()
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				timer.Reset(cfg.debounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				orbit.Logger().Warn("catalog: watch error", "path", path, "err", err)
			case <-timer.C:
				c, err := cfg.load(abs)
				onChange(c, err)
			}
		}
	}()
	return nil
}
