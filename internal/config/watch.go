package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a Config from its file on change, debouncing rapid
// successive write events (editors often write-then-rename) into a
// single reload.
type Watcher struct {
	path     string
	cfg      *Config
	debounce time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewWatcher creates a Watcher that reloads into cfg whenever path changes.
func NewWatcher(path string, cfg *Config) *Watcher {
	return &Watcher{
		path:     path,
		cfg:      cfg,
		debounce: 300 * time.Millisecond,
	}
}

// Start begins watching the config file's containing directory (not the
// file itself: editors commonly replace a file via rename, which a
// file-level watch would silently miss). Call Stop, or cancel ctx, to
// stop.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(ctx, watcher)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounceTimer *time.Timer
	pendingReload := false

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			pendingReload = true
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				if pendingReload {
					w.reload()
					pendingReload = false
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		log.Printf("config watcher: reload %s failed: %v", w.path, err)
		return
	}
	if next.Hash() == w.cfg.Hash() {
		return
	}
	w.cfg.ReplaceFrom(next)
	log.Printf("config watcher: reloaded %s", w.path)
}
