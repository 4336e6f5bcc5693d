package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce is how long the reloader waits after the last write.
const reloadDebounce = 500 * time.Millisecond

// PolicyReloader re-reads policy from disk and swaps it in.
type PolicyReloader interface {
	ReloadPolicy() error
}

// Reloader watches the config file for changes and triggers a policy hot-reload.
type Reloader struct {
	watcher *fsnotify.Watcher
	target  PolicyReloader
	paths   []string
	logger  *slog.Logger
}

// NewReloader creates a file watcher for the given paths. Paths that do not
// exist are skipped.
func NewReloader(target PolicyReloader, paths []string) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	var watched []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := watcher.Add(p); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", p, err)
		}
		watched = append(watched, p)
	}

	return &Reloader{
		watcher: watcher,
		target:  target,
		paths:   watched,
		logger:  slog.Default().With("component", "reload"),
	}, nil
}

// Paths returns the files being watched.
func (r *Reloader) Paths() []string {
	return r.paths
}

// Run watches for file changes and reloads policy. Blocks until ctx is cancelled.
// A failed reload keeps the previous policy active.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					if err := r.target.ReloadPolicy(); err != nil {
						r.logger.Error("hot-reload failed, keeping previous policy", "file", event.Name, "error", err)
					} else {
						r.logger.Info("hot-reload: policy reloaded", "file", event.Name)
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", "error", err)
		}
	}
}
