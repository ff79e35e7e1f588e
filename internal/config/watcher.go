package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"forgeauth/pkg/logging"
)

const (
	// DefaultDebounceInterval is the quiet period after the last file event
	// before the configuration is reloaded.
	DefaultDebounceInterval = 500 * time.Millisecond

	// DefaultPollInterval is used when fsnotify is unavailable.
	DefaultPollInterval = 5 * time.Second
)

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Path is the configuration file to watch.
	Path string

	// EnvFiles are passed to Load on every reload.
	EnvFiles []string

	Debounce     time.Duration
	PollInterval time.Duration

	// OnChange receives every configuration that loads and validates.
	OnChange func(*Config)

	// OnError receives reload failures. The previous configuration stays
	// in effect.
	OnError func(error)

	Logger *logging.Logger
}

// Watcher reloads the configuration file when it changes. Editors often
// replace a file instead of writing it in place, so the parent directory is
// watched and events are filtered by file name.
type Watcher struct {
	mu sync.Mutex

	cfg       WatcherConfig
	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	lastModTime time.Time

	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewWatcher creates a watcher for cfg.Path.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounceInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Watcher{cfg: cfg}
}

// Start begins watching. It falls back to polling when fsnotify cannot
// watch the directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	w.stopCh = make(chan struct{})
	w.running = true

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.cfg.Logger.Warn("ConfigWatcher", "fsnotify not available, falling back to polling: %v", err)
		go w.pollForChanges(w.stopCh)
		return nil
	}

	dir := filepath.Dir(w.cfg.Path)
	if err := fsw.Add(dir); err != nil {
		w.cfg.Logger.Warn("ConfigWatcher", "Failed to watch directory %s, falling back to polling: %v", dir, err)
		fsw.Close()
		go w.pollForChanges(w.stopCh)
		return nil
	}
	w.fsWatcher = fsw

	go w.processEvents(w.stopCh, fsw.Events, fsw.Errors)

	w.cfg.Logger.Info("ConfigWatcher", "Watching %s for changes", w.cfg.Path)
	return nil
}

func (w *Watcher) processEvents(stopCh <-chan struct{}, eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			w.cfg.Logger.Error("ConfigWatcher", err, "fsnotify error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.cfg.Path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.cfg.Logger.Debug("ConfigWatcher", "Config file event: %s", event)
	w.triggerReloadDebounced()
}

func (w *Watcher) triggerReloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.cfg.Debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if !running {
		return
	}

	cfg, err := Load(w.cfg.Path, w.cfg.EnvFiles...)
	if err != nil {
		w.cfg.Logger.Warn("ConfigWatcher", "Ignoring invalid config %s: %v", w.cfg.Path, err)
		if w.cfg.OnError != nil {
			w.cfg.OnError(err)
		}
		return
	}

	w.cfg.Logger.Info("ConfigWatcher", "Reloaded configuration from %s", w.cfg.Path)
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(cfg)
	}
}

func (w *Watcher) pollForChanges(stopCh <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.checkForChanges()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if w.checkForChanges() {
				w.cfg.Logger.Debug("ConfigWatcher", "Config change detected via polling")
				w.triggerReloadDebounced()
			}
		}
	}
}

// checkForChanges reports whether the file's modification time moved
// forward since the previous check.
func (w *Watcher) checkForChanges() bool {
	info, err := os.Stat(w.cfg.Path)
	if err != nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	changed := !w.lastModTime.IsZero() && info.ModTime().After(w.lastModTime)
	w.lastModTime = info.ModTime()
	return changed
}

// Stop stops watching and cancels a pending reload.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			w.cfg.Logger.Warn("ConfigWatcher", "Error closing fsnotify watcher: %v", err)
		}
		w.fsWatcher = nil
	}

	w.cfg.Logger.Info("ConfigWatcher", "Stopped watching %s", w.cfg.Path)
	return nil
}

// IsRunning reports whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
