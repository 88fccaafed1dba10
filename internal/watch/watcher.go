// Package watch triggers a rematch when new recordings land in the
// recording directories.
package watch

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"callsync/internal/jobs"
	"callsync/internal/logger"
	"callsync/internal/recordings"
)

// Enqueuer is the job runner surface the watcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, policy jobs.Policy, params jobs.Params) (string, error)
}

// Watcher monitors recording directories and enqueues one rematch per burst of changes.
type Watcher struct {
	dirs     []string
	job      string
	debounce time.Duration
	runner   Enqueuer
	log      *logger.Logger

	mu    sync.Mutex
	timer *time.Timer
}

func New(dirs []string, job string, debounce time.Duration, runner Enqueuer, log *logger.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &Watcher{dirs: dirs, job: job, debounce: debounce, runner: runner, log: log.Named("watch")}
}

// Start watches every existing directory until ctx is done. Missing
// directories are skipped.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watched := 0
	for _, dir := range w.dirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			w.log.Info("recording dir not present, skipping", logger.String("dir", dir))
			continue
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		w.log.Info("no recording dirs to watch")
		return nil
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				w.mu.Lock()
				if w.timer != nil {
					w.timer.Stop()
				}
				w.mu.Unlock()
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 && recordings.IsAudio(evt.Name) {
					w.schedule(ctx)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("watcher error", logger.Error(err))
			}
		}
	}()
	return nil
}

// schedule restarts the debounce window.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.fire(ctx) })
}

func (w *Watcher) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := w.runner.Enqueue(ctx, w.job, jobs.PolicyKeep, nil); err != nil {
		w.log.Warn("enqueue rematch failed", logger.Error(err))
	}
}

// Backfill enqueues one rematch when any recording already exists.
func (w *Watcher) Backfill(ctx context.Context) error {
	for _, dir := range w.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			if !e.IsDir() && recordings.IsAudio(e.Name()) {
				w.fire(ctx)
				return nil
			}
		}
	}
	return nil
}
