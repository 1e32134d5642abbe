package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the configuration file when it changes on disk. Editors
// often replace files via rename, so the parent directory is watched and
// events are filtered to the config path.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	logger   *logrus.Logger
	stopChan chan struct{}
}

// NewWatcher creates a watcher over the loader's config file. onChange
// receives every successfully reloaded configuration.
func NewWatcher(loader *Loader, onChange func(*Config), logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(filepath.Dir(loader.configPath)); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	return &Watcher{
		loader:   loader,
		watcher:  fsWatcher,
		onChange: onChange,
		logger:   logger,
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the watch loop.
func (w *Watcher) Start() {
	go w.watchLoop()
	w.logger.Info("Started config file watcher")
}

// Stop halts the watch loop.
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.watcher.Close()
	w.logger.Info("Stopped config file watcher")
}

func (w *Watcher) watchLoop() {
	var debounce *time.Timer
	target := filepath.Clean(w.loader.configPath)

	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	config, err := w.loader.Reload()
	if err != nil {
		w.logger.WithError(err).Error("Config reload failed, keeping previous configuration")
		return
	}
	w.logger.Info("Configuration reloaded")
	if w.onChange != nil {
		w.onChange(config)
	}
}
