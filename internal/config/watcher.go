package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avathrottle/internal/observability"
)

// ConfigCallback is called when configuration changes.
type ConfigCallback func(*Config)

// ErrorCallback is called when an error occurs during reload.
type ErrorCallback func(error)

// FileWatcher calls onChange after writes to a single file settle. The
// parent directory is watched so editors that replace the file by rename
// are handled.
type FileWatcher struct {
	path          string
	watcher       *fsnotify.Watcher
	onChange      func()
	errorCallback ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration
	mu            sync.Mutex
	stopCh        chan struct{}
	stoppedCh     chan struct{}
	running       bool
}

// WatcherOption is a functional option for configuring watchers.
type WatcherOption func(*FileWatcher)

// WithDebounceDelay sets the debounce delay for file changes.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = delay
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback for the watcher.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *FileWatcher) {
		w.errorCallback = callback
	}
}

// NewFileWatcher creates a watcher for path.
func NewFileWatcher(path string, onChange func(), opts ...WatcherOption) (*FileWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &FileWatcher{
		path:          absPath,
		watcher:       fsWatcher,
		onChange:      onChange,
		debounceDelay: 100 * time.Millisecond,
		logger:        observability.NopLogger(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Path returns the absolute path being watched.
func (w *FileWatcher) Path() string {
	return w.path
}

// Start begins watching. It returns once the watch is registered.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true

	w.logger.Info("started watching file",
		observability.String("path", w.path),
	)

	go w.watch(ctx)

	return nil
}

// Stop stops watching and releases the underlying watcher.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh

	return w.watcher.Close()
}

// watch is the main watch loop.
func (w *FileWatcher) watch(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("file watcher stopped due to context cancellation",
				observability.String("path", w.path),
			)
			return

		case <-w.stopCh:
			w.logger.Info("file watcher stopped",
				observability.String("path", w.path),
			)
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			debounceTimer, debounceCh = w.handleFileEvent(event, debounceTimer, debounceCh)

		case <-debounceCh:
			debounceCh = nil
			if w.onChange != nil {
				w.onChange()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.handleWatchError(err)
		}
	}
}

// handleFileEvent processes a file system event and returns the updated
// debounce timer.
func (w *FileWatcher) handleFileEvent(
	event fsnotify.Event,
	debounceTimer *time.Timer,
	debounceCh <-chan time.Time,
) (timer *time.Timer, ch <-chan time.Time) {
	if filepath.Clean(event.Name) != w.path {
		return debounceTimer, debounceCh
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return debounceTimer, debounceCh
	}

	w.logger.Debug("watched file changed",
		observability.String("path", event.Name),
		observability.String("op", event.Op.String()),
	)

	if debounceTimer != nil {
		debounceTimer.Stop()
	}
	debounceTimer = time.NewTimer(w.debounceDelay)
	return debounceTimer, debounceTimer.C
}

// handleWatchError handles watcher errors.
func (w *FileWatcher) handleWatchError(err error) {
	w.logger.Error("file watcher error",
		observability.String("path", w.path),
		observability.Error(err),
	)
	w.reportError(err)
}

func (w *FileWatcher) reportError(err error) {
	if w.errorCallback != nil {
		w.errorCallback(err)
	}
}

// Watcher watches the configuration file, validates every change and
// hands valid configurations to the callback. Invalid files are logged
// and the last good configuration stays in effect.
type Watcher struct {
	files      *FileWatcher
	callback   ConfigCallback
	lastConfig *Config
	mu         sync.RWMutex
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(path string, callback ConfigCallback, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{callback: callback}

	files, err := NewFileWatcher(path, w.reload, opts...)
	if err != nil {
		return nil, err
	}
	w.files = files

	return w, nil
}

// Start loads the initial configuration and begins watching.
func (w *Watcher) Start(ctx context.Context) error {
	config, err := w.load()
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.lastConfig = config
	w.mu.Unlock()

	return w.files.Start(ctx)
}

// Stop stops watching the configuration file.
func (w *Watcher) Stop() error {
	return w.files.Stop()
}

// GetLastConfig returns the last successfully loaded configuration.
func (w *Watcher) GetLastConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// ForceReload forces an immediate configuration reload.
func (w *Watcher) ForceReload() error {
	config, err := w.load()
	if err != nil {
		return err
	}
	w.apply(config)
	return nil
}

func (w *Watcher) load() (*Config, error) {
	config, err := LoadConfig(w.files.path)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// reload attempts to reload the configuration.
func (w *Watcher) reload() {
	logger := w.files.logger
	logger.Info("reloading configuration",
		observability.String("path", w.files.path),
	)

	config, err := w.load()
	if err != nil {
		logger.Error("configuration reload rejected",
			observability.Error(err),
		)
		w.files.reportError(err)
		return
	}

	w.apply(config)
	logger.Info("configuration reloaded successfully")
}

func (w *Watcher) apply(config *Config) {
	w.mu.Lock()
	w.lastConfig = config
	w.mu.Unlock()

	if w.callback != nil {
		w.callback(config)
	}
}
