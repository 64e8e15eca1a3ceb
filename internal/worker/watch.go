package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tgtasker/pkg/logx"
)

// watchTasksDir marks the reload flag whenever anything under the tasks root
// changes, so config edits become visible without waiting for an explicit
// reload command. fsnotify is not recursive, so each task directory is added
// individually and newly created ones are picked up from create events.
//
// Watch failures are logged and the worker falls back to command-driven
// reloads only.
func (w *Worker) watchTasksDir(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("task watcher unavailable", logx.Err(err))
		return
	}
	defer watcher.Close()

	root := w.tasks.Dir()
	if err := watcher.Add(root); err != nil {
		w.log.Warn("task watcher unavailable", logx.String("dir", root), logx.Err(err))
		return
	}
	if entries, err := os.ReadDir(root); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(root, e.Name()))
			}
		}
	}

	// Debounce to avoid reloading on every partial write.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			w.mu.Lock()
			w.reload = true
			w.mu.Unlock()
			w.requestWake()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.log.Debug("task watcher error", logx.Err(err))
		}
	}
}
