// CLAUDE:SUMMARY Reloads the profile registry when YAML files in the profiles directory change, with debounce.
package profile

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads r whenever a profile file changes, coalescing bursts of
// events within debounce. It blocks until ctx is cancelled.
func Watch(ctx context.Context, r *Registry, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("profile: watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(r.cfg.Dir); err != nil {
		return fmt.Errorf("profile: watch %s: %w", r.cfg.Dir, err)
	}
	log := r.cfg.Logger
	log.Info("profile: watching", "dir", r.cfg.Dir)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isProfileFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug("profile: change detected", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("profile: watcher error", "error", err)
		case <-timer.C:
			if err := r.Load(); err != nil {
				log.Warn("profile: reload finished with errors", "error", err)
			}
		}
	}
}

func isProfileFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
