package config

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "pewnotify/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
	watchRelevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename
)

// Watch reloads the config when its file changes, until ctx ends. The
// directory is watched rather than the file so editors that replace the file
// are seen. A failed watcher is recreated with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	backoff := reloadDebounce
	for {
		err := m.watch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher failed; restarting", logx.Duration("backoff", backoff), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, watchBackoffMax)
	}
}

func (m *Manager) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, name := filepath.Split(m.path)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return err
	}

	// Bursts of events (write + chmod + rename) collapse into one reload.
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()
	arm := func() { timer.Reset(reloadDebounce) }

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watch events closed")
			}
			if filepath.Base(ev.Name) == name && ev.Op&watchRelevantOps != 0 {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watch errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				arm()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}
