package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tasker/pkg/logx"
)

const (
	reloadDelay     = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	restartMin      = 250 * time.Millisecond
	restartMax      = 5 * time.Second
)

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the file whenever it changes, until ctx ends. Editors often
// replace the file instead of writing it, so the directory is watched. A
// broken watcher is recreated with jittered backoff. Without a file Watch
// only waits for ctx.
func (m *Manager) Watch(ctx context.Context) error {
	if strings.TrimSpace(m.path) == "" {
		<-ctx.Done()
		return nil
	}
	w := &fileWatch{m: m, dir: filepath.Dir(m.path), name: filepath.Base(m.path), wait: restartMin}
	defer w.stopTimer()

	for ctx.Err() == nil {
		err := w.session(ctx)
		if ctx.Err() != nil {
			break
		}
		pause := w.backoff()
		m.log.Warn("config watcher restarting", logx.String("dir", w.dir), logx.Duration("backoff", pause), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(pause):
		}
	}
	return nil
}

type fileWatch struct {
	m    *Manager
	dir  string
	name string
	wait time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

var errWatcherClosed = errors.New("watcher closed")

// session runs one fsnotify watcher until it breaks or ctx ends.
func (w *fileWatch) session(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.wait = restartMin
	w.m.log.Debug("config watcher started", logx.String("dir", w.dir), logx.String("file", w.name))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), w.name) && ev.Op&reloadOps != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.m.log.Warn("config watch overflow; reloading", logx.String("dir", w.dir))
				w.schedule(ctx)
				continue
			}
			if errors.Is(err, fsnotify.ErrClosed) {
				return err
			}
			if err != nil {
				w.m.log.Warn("config watch error", logx.String("dir", w.dir), logx.Err(err))
			}
		}
	}
}

// schedule debounces bursts of events into one reload.
func (w *fileWatch) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDelay, func() {
		if ctx.Err() == nil {
			w.m.reload(ctx)
		}
	})
}

func (w *fileWatch) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *fileWatch) backoff() time.Duration {
	d := w.wait + time.Duration(rand.Int63n(int64(w.wait/2+1)))
	w.wait = min(w.wait*2, restartMax)
	return d
}
