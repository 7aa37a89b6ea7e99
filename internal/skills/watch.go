package skills

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads file skills when the skill directory changes. It returns
// when ctx is cancelled. A missing directory is not an error; there is
// simply nothing to watch.
func (l *Library) Watch(ctx context.Context) error {
	if l.dir == "" {
		return nil
	}
	if _, err := os.Stat(l.dir); err != nil {
		slog.Debug("Skill dir not present, hot reload disabled", "dir", l.dir)
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(l.dir); err != nil {
		return err
	}
	l.addSubdirs(watcher)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			timer.Reset(reloadDebounce)
		case <-timer.C:
			if err := l.Reload(); err != nil {
				slog.Warn("Skill reload failed", "error", err)
			} else {
				slog.Info("Skills reloaded", "dir", l.dir)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Skill watcher error", "error", err)
		}
	}
}

func (l *Library) addSubdirs(w *fsnotify.Watcher) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			_ = w.Add(filepath.Join(l.dir, e.Name()))
		}
	}
}
