package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path whenever it changes and hands every valid version to apply.
// Invalid edits are logged and ignored so a typo never unloads a working config.
// The watcher stops when ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	// Editors often replace the file, so the directory is watched rather than the file.
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := FromFile(target)
				if err != nil {
					logger.Warn("config reload rejected", slog.String("path", target), slog.Any("err", err))
					continue
				}
				logger.Info("config reloaded", slog.String("path", target))
				apply(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", slog.Any("err", err))
			}
		}
	}()
	return nil
}
