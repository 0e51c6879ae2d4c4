package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/apigate/internal/logging"
	"go.uber.org/zap"
)

// ChangeEvent describes a modified RouteMap file. The running gateway keeps
// its RouteMap; the event only reports whether a restart would succeed.
type ChangeEvent struct {
	Path       string
	RouteMap   *RouteMap // nil when the file could not be parsed
	Validation ValidationResult
	Err        error
}

// Watcher watches a RouteMap file for changes
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []func(ChangeEvent)
	mu         sync.RWMutex
	debounce   time.Duration
	done       chan struct{}
	stopOnce   sync.Once
}

// NewWatcher creates a new configuration watcher
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		done:       make(chan struct{}),
	}, nil
}

// OnChange registers a callback for config changes
func (w *Watcher) OnChange(callback func(ChangeEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for configuration changes
func (w *Watcher) Start() error {
	// Editors replace files, so watch the directory.
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))

		case <-w.done:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	ev := ChangeEvent{Path: w.configPath}
	rm, err := w.loader.Load(w.configPath)
	if err != nil {
		ev.Err = err
		logging.Error("changed config could not be loaded", zap.String("path", w.configPath), zap.Error(err))
	} else {
		ev.RouteMap = rm
		ev.Validation = rm.Validate()
		if ev.Validation.Valid {
			logging.Info("config changed, restart to apply", zap.String("path", w.configPath))
		} else {
			logging.Warn("changed config is invalid",
				zap.String("path", w.configPath),
				zap.Strings("errors", ev.Validation.Errors),
			)
		}
	}

	w.mu.RLock()
	callbacks := make([]func(ChangeEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
