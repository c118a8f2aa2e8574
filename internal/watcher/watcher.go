// Package watcher monitors session working directories and reports
// file-count changes as session events.
package watcher

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// excludedDirs are directories excluded from counting and watching.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// EmitFunc delivers one files_update event for a session.
type EmitFunc func(sessionID string, event json.RawMessage)

// Watcher monitors working directories, one fsnotify watcher per
// session, and emits a files_update event whenever the visible file
// count changes.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*sessionWatcher
	emit     EmitFunc
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu        sync.Mutex
	lastCount int
}

// New creates a watcher that reports through emit.
func New(emit EmitFunc) *Watcher {
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		emit:     emit,
	}
}

// Watch starts watching a directory for a session. Watching the same
// session twice is a no-op.
func (w *Watcher) Watch(sessionID, workDir string) error {
	w.mu.Lock()
	if _, ok := w.watchers[sessionID]; ok {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastCount: -1, // Force initial update.
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	if _, ok := w.watchers[sessionID]; ok {
		w.mu.Unlock()
		fsW.Close()
		return nil
	}
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.watchLoop(sw)
	go w.recount(sw)

	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						sw.fsWatcher.Add(event.Name)
					}
				}
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				w.recount(sw)
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error for session %s: %v", sw.sessionID, err)
		}
	}
}

// recount recalculates the file count and emits if it changed.
func (w *Watcher) recount(sw *sessionWatcher) {
	count := CountFiles(sw.workDir)

	sw.mu.Lock()
	changed := count != sw.lastCount
	sw.lastCount = count
	sw.mu.Unlock()

	if changed && w.emit != nil {
		event, _ := json.Marshal(map[string]any{
			"type":      "files_update",
			"fileCount": count,
		})
		w.emit(sw.sessionID, event)
	}
}

// CountFiles counts all non-excluded, non-hidden files under dir.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()
		if d.IsDir() {
			if path != dir && (excludedDirs[name] || isHidden(name)) {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(name) {
			return nil
		}

		count++
		return nil
	})
	return count
}

// addDirsRecursive adds a directory and its subdirectories to an
// fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if path != dir && (excludedDirs[name] || isHidden(name)) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
