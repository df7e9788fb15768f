package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads Config from disk whenever the underlying file changes,
// debouncing rapid writes so a burst of saves triggers one reload.
type Watcher struct {
	path   string
	logger *log.Logger
	onLoad func(Config)

	fsw *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher starts watching path for changes. onLoad is called with the
// freshly parsed Config after every debounced write, and once immediately
// with the config loaded at construction time. logger defaults to
// log.Default() when nil.
func NewWatcher(path string, logger *log.Logger, onLoad func(Config)) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	onLoad(cfg)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, logger: logger, onLoad: onLoad, fsw: fsw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	const debounceDelay = 500 * time.Millisecond
	var timer *time.Timer

	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Printf("config: reload %s failed: %v", w.path, err)
			return
		}
		w.logger.Printf("config: reloaded %s", w.path)
		w.onLoad(cfg)
	}

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("config: watch error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
