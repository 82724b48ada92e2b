package creds

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors credential files for changes and flushes the
// resolver's cache so edits take effect without a restart.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	resolver  *Resolver
	names     map[string]bool
	debounce  time.Duration
	done      chan struct{}
}

// NewWatcher creates a watcher over the resolver's profile store and
// settings file. Changes are debounced before the cache is flushed.
func NewWatcher(r *Resolver, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 1 * time.Second
	}

	w := &Watcher{
		fsWatcher: fsw,
		resolver:  r,
		names:     make(map[string]bool),
		debounce:  debounce,
		done:      make(chan struct{}),
	}

	// Watch the parent directories; editors often replace files via
	// rename, which a watch on the file itself would lose.
	for _, path := range []string{r.profilePath, r.settingsPath} {
		if path == "" {
			continue
		}
		w.names[filepath.Base(path)] = true
		if err := fsw.Add(filepath.Dir(path)); err != nil {
			continue
		}
	}

	return w, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if !w.isRelevantEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				w.resolver.Flush()
				pending = false
			}

		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return w.names[filepath.Base(event.Name)]
}
