// internal/engine/watch.go
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultWatchDebounce = 300 * time.Millisecond

// Watch calls run once, then again each time the file at path is written, until ctx ends.
// Bursts of events inside the debounce window trigger a single run. The parent directory
// is watched so editors that replace the file on save are still seen.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *zap.Logger, run func(ctx context.Context) error) error {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve watched path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	logger = logger.Named("watch").With(zap.String("path", abs))
	runOnce := func() {
		if err := run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Watched run failed.", zap.Error(err))
		}
	}
	runOnce()
	logger.Info("Watching for changes.")

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Watch stopped.")
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			logger.Debug("Change detected.", zap.String("op", ev.Op.String()))
			timer.Reset(debounce)
		case <-timer.C:
			logger.Info("File changed, re-running.")
			runOnce()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("File watcher error.", zap.Error(err))
		}
	}
}
