package prohibited

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Reloader watches the override file and reloads the syncer on change.
// It watches the parent directory so editors that replace the file by
// rename are still seen.
type Reloader struct {
	watcher *fsnotify.Watcher
	syncer  *Syncer
	path    string
	log     *zap.Logger
	reloads chan struct{}
}

// NewReloader creates a watcher for the syncer's override file.
func NewReloader(s *Syncer) (*Reloader, error) {
	path := s.opts.OverridePath
	if path == "" {
		return nil, fmt.Errorf("no override file configured")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	return &Reloader{
		watcher: watcher,
		syncer:  s,
		path:    abs,
		log:     s.log.Named("reload"),
		reloads: make(chan struct{}, 1),
	}, nil
}

// Reloaded delivers a value after each successful reload. Used by tests.
func (r *Reloader) Reloaded() <-chan struct{} {
	return r.reloads
}

// Run watches for changes until ctx is cancelled.
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
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, r.reload)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) reload() {
	if err := r.syncer.ReloadOverride(); err != nil {
		r.log.Warn("override reload failed", zap.Error(err))
		return
	}
	r.log.Info("override reloaded", zap.Int("domains", r.syncer.Current().Len()))
	select {
	case r.reloads <- struct{}{}:
	default:
	}
}
