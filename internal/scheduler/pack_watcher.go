package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/registry"
)

// PackWatcher polls a rule pack file and installs it into the registry when
// the file changes. A malformed pack is logged and skipped; the installed
// snapshot stays in place and jobs already admitted keep theirs.
type PackWatcher struct {
	rules    *registry.Registry
	path     string
	interval time.Duration
	log      *logger.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex

	lastModTime time.Time
}

func NewPackWatcher(rules *registry.Registry, path string, interval time.Duration, log *logger.Logger) *PackWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PackWatcher{
		rules:    rules,
		path:     path,
		interval: interval,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start loads the pack once and begins polling. A watcher without a path is
// inert and Start is a no-op.
func (w *PackWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.path == "" {
		return nil
	}
	if w.running {
		return fmt.Errorf("pack watcher is already running")
	}
	w.running = true

	if err := w.reload(); err != nil {
		w.log.Error("initial rule pack load", err)
	}

	w.wg.Add(1)
	go w.pollLoop()
	w.log.Info("rule pack watcher started", "path", w.path, "interval", w.interval.String())
	return nil
}

// Stop halts polling and waits for the poll loop to exit.
func (w *PackWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
}

func (w *PackWatcher) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.reload(); err != nil {
				w.log.Error("rule pack reload", err)
			}
		case <-w.stopChan:
			return
		}
	}
}

// reload installs the pack file if its mtime moved since the last load.
func (w *PackWatcher) reload() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("stat rule pack: %w", err)
	}
	if !info.ModTime().After(w.lastModTime) {
		return nil
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read rule pack: %w", err)
	}
	var pack registry.PackFile
	if err := json.Unmarshal(data, &pack); err != nil {
		return fmt.Errorf("parse rule pack: %w", err)
	}
	if err := w.rules.Reload(&pack); err != nil {
		return err
	}
	w.lastModTime = info.ModTime()
	return nil
}
