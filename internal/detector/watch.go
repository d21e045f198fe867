package detector

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"yesman/internal/logging"
)

// WatchDir reloads the pattern library whenever the pattern directory
// changes. A reload that fails to parse keeps the previous library; only
// the startup load is fatal. Returns when ctx is cancelled.
func (d *Detector) WatchDir(ctx context.Context, dir string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.Discard()
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("pattern directory missing, hot reload disabled", "dir", dir)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	// Kind subdirectories are flat; watch the ones that exist now.
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(dir + string(os.PathSeparator) + e.Name())
			}
		}
	}

	// Editors fire bursts of events per save; coalesce before reloading.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("pattern watcher error", "err", err)
		case <-pending:
			pending = nil
			lib, err := LoadLibrary(dir)
			if err != nil {
				logger.Warn("pattern reload failed, keeping previous library", "dir", dir, "err", err)
				continue
			}
			d.Swap(lib)
			logger.Info("pattern library reloaded", "dir", dir, "patterns", lib.Len())
		}
	}
}
