package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 200 * time.Millisecond

// Watch calls onChange whenever one of paths is written, created, renamed or
// removed, until ctx is done. Parent directories are watched rather than the
// files themselves so that atomic-rename saves and files created after
// startup are seen. Directories that do not exist are skipped.
func Watch(ctx context.Context, paths []string, logger *slog.Logger, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	targets := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		targets[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			logger.Debug("not watching config directory", "dir", dir, "error", err)
			continue
		}
		dirs[dir] = true
	}
	if len(dirs) == 0 {
		_ = w.Close()
		return errors.New("no config directory to watch")
	}

	go func() {
		defer w.Close()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !targets[filepath.Clean(ev.Name)] {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				logger.Debug("config file changed", "path", ev.Name, "op", ev.Op.String())
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, onChange)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
