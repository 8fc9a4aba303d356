package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// OnChangeFunc is invoked with the freshly loaded config after the file
// changes on disk.
type OnChangeFunc func(cfg *Config)

// Watcher monitors the config file for edits. It watches the parent
// directory so that editors replacing the file via rename are seen too.
type Watcher struct {
	mu       sync.Mutex
	fs       afero.Fs
	path     string
	watcher  *fsnotify.Watcher
	onChange OnChangeFunc
	stopCh   chan struct{}
	stopped  bool
	log      logrus.FieldLogger
}

// NewWatcher creates a Watcher for the config file at path.
func NewWatcher(fsys afero.Fs, path string, onChange OnChangeFunc, logger logrus.FieldLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Watcher{
		fs:       fsys,
		path:     filepath.Clean(path),
		watcher:  fw,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		log:      logger.WithField("component", "config-watcher"),
	}, nil
}

// Start begins watching. It blocks until Stop() is called or the watcher
// encounters a fatal error.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	w.log.Infof("monitoring: %s", w.path)

	for {
		select {
		case <-w.stopCh:
			w.log.Debug("stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || !isRelevantEvent(event) {
				continue
			}
			w.log.Debugf("event: %s %s", event.Op, event.Name)
			cfg, err := Load(w.fs, w.path)
			if err != nil {
				w.log.Warnf("reload failed: %v", err)
				continue
			}
			if w.onChange != nil {
				w.onChange(cfg)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warnf("error: %v", err)
		}
	}
}

// Stop halts the watcher loop and releases the fsnotify resources. It is
// safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
	w.watcher.Close()
}

// isRelevantEvent filters for writes and replacements of the file.
func isRelevantEvent(e fsnotify.Event) bool {
	return e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
