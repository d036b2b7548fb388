// Package watcher reloads the gateway configuration when the config file
// changes on disk, debouncing editor write bursts.
package watcher

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/routecodex/routecodex/internal/config"
)

const debounceWindow = 500 * time.Millisecond

// ReloadFunc applies a freshly loaded configuration. Errors abort the
// reload; the previous configuration stays active.
type ReloadFunc func(cfg *config.Config) error

// Watcher watches one config file and drives reloads.
type Watcher struct {
	path    string
	reload  ReloadFunc
	watcher *fsnotify.Watcher
}

// New creates a watcher for the given config path.
func New(path string, reload ReloadFunc) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files via rename, which drops
	// a direct file watch.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	return &Watcher{path: path, reload: reload, watcher: fsWatcher}, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceWindow)
			}
			timerCh = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watcher: %v", err)
		case <-timerCh:
			timerCh = nil
			w.applyReload()
		}
	}
}

func (w *Watcher) applyReload() {
	cfg, err := config.Load(w.path)
	if err != nil {
		log.Errorf("watcher: config reload failed, keeping previous config: %v", err)
		return
	}
	if err := w.reload(cfg); err != nil {
		log.Errorf("watcher: reload apply failed: %v", err)
		return
	}
	log.Infof("watcher: configuration reloaded from %s", w.path)
}
