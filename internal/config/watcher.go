package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flakehunter/ciscan/internal/logging"
)

// ReloadCallback is invoked with the newly loaded Config whenever the
// watched file changes and reloads successfully. If it returns an error,
// the error is logged but the watcher keeps watching.
type ReloadCallback func(cfg *Config) error

// WatcherConfig controls a Watcher.
type WatcherConfig struct {
	// FilePath is the YAML file to watch. Required.
	FilePath string

	// DebounceMillis coalesces rapid file events (editor save sequences)
	// into a single reload. Default 500ms.
	DebounceMillis int
}

// Watcher reloads Config from FilePath whenever it changes on disk,
// debouncing bursts of fsnotify events into a single reload.
type Watcher struct {
	config   WatcherConfig
	callback ReloadCallback
	logger   *logging.Logger

	cancel  context.CancelFunc
	stopped chan struct{}

	mu            sync.Mutex
	debounceTimer *time.Timer
}

// NewWatcher builds a Watcher for cfg.FilePath. callback is invoked with
// the initial load result and every successful reload thereafter.
func NewWatcher(cfg WatcherConfig, callback ReloadCallback) (*Watcher, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("FilePath cannot be empty")
	}
	if callback == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}
	if cfg.DebounceMillis == 0 {
		cfg.DebounceMillis = 500
	}
	return &Watcher{
		config:   cfg,
		callback: callback,
		logger:   logging.GetLogger("config.watcher"),
		stopped:  make(chan struct{}),
	}, nil
}

// Start loads the initial config, invokes callback, then watches the file
// in the background until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	initial, err := Load(w.config.FilePath)
	if err != nil {
		return fmt.Errorf("load initial config: %w", err)
	}
	if err := w.callback(initial); err != nil {
		return fmt.Errorf("initial callback: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.watchLoop(watchCtx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("failed to create file watcher: %v", err)
		return
	}
	defer fw.Close()

	if err := fw.Add(w.config.FilePath); err != nil {
		w.logger.Error("failed to watch %s: %v", w.config.FilePath, err)
		return
	}

	w.logger.Info("watching %s for changes (debounce: %dms)", w.config.FilePath, w.config.DebounceMillis)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				w.handleFileChange()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleFileChange() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(
		time.Duration(w.config.DebounceMillis)*time.Millisecond,
		w.reload,
	)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.config.FilePath)
	if err != nil {
		w.logger.Warn("reload failed, keeping previous config: %v", err)
		return
	}
	if err := w.callback(cfg); err != nil {
		w.logger.Warn("reload callback error: %v", err)
		return
	}
	w.logger.Info("config reloaded from %s", w.config.FilePath)
}

// Stop cancels the watch loop and waits up to 5s for it to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	select {
	case <-w.stopped:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for config watcher to stop")
	}
}
