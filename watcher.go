package bizguard

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oarkflow/bizguard/logger"
)

// PolicyFileWatcher reloads a policy document into a store whenever the file
// is written. A document that fails to parse leaves the store untouched.
type PolicyFileWatcher struct {
	path     string
	store    PolicyReplacer
	logger   logger.Logger
	debounce time.Duration
	onReload func(conflicts []ConflictReport, err error)

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

type WatcherOption func(*PolicyFileWatcher)

func WithWatcherLogger(l logger.Logger) WatcherOption {
	return func(w *PolicyFileWatcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce coalesces bursts of write events.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *PolicyFileWatcher) { w.debounce = d }
}

// WithReloadHook is called after every reload attempt.
func WithReloadHook(fn func(conflicts []ConflictReport, err error)) WatcherOption {
	return func(w *PolicyFileWatcher) { w.onReload = fn }
}

func NewPolicyFileWatcher(path string, store PolicyReplacer, opts ...WatcherOption) (*PolicyFileWatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	if _, err := FormatFromPath(path); err != nil {
		return nil, err
	}
	w := &PolicyFileWatcher{
		path:     filepath.Clean(path),
		store:    store,
		logger:   logger.NewNullLogger(),
		debounce: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Reload reads the file and swaps the store contents.
func (w *PolicyFileWatcher) Reload(ctx context.Context) ([]ConflictReport, error) {
	doc, err := LoadDocumentFile(w.path)
	if err != nil {
		return nil, err
	}
	policies, err := doc.ParsePolicies()
	if err != nil {
		return nil, err
	}
	conflicts := ValidatePolicies(policies)
	if err := w.store.Replace(ctx, policies); err != nil {
		return conflicts, err
	}
	w.logger.Info("policy file reloaded", "path", w.path, "policies", len(policies), "conflicts", len(conflicts))
	return conflicts, nil
}

// Start performs an initial load and then watches the file's directory until
// ctx is done or Stop is called.
func (w *PolicyFileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if _, err := w.Reload(ctx); err != nil {
		return fmt.Errorf("initial load of %s: %w", w.path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors often replace files by rename, so watch the directory.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	w.started = true
	w.wg.Add(1)
	go w.loop(ctx, fw)
	return nil
}

func (w *PolicyFileWatcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			conflicts, err := w.Reload(ctx)
			if err != nil {
				w.logger.Error("policy file reload failed", "path", w.path, "error", err)
			}
			if w.onReload != nil {
				w.onReload(conflicts, err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("policy file watcher error", "path", w.path, "error", err)
		}
	}
}

// Stop closes the watcher and waits for the event loop to exit.
func (w *PolicyFileWatcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	fw := w.watcher
	w.mu.Unlock()
	err := fw.Close()
	w.wg.Wait()
	return err
}
