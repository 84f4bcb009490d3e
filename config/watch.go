package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// How long the watcher waits for more writes before reloading.
const reloadDelay = 250 * time.Millisecond

// Watch reloads the configuration file whenever it changes and hands the new
// configuration to onChange. A file that fails to load is logged and
// ignored. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, onChange func(*AppConfig)) error {
	logger := slog.Default().With("module", "config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}

	// Editors often replace the file, so the directory is watched.
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var reload <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDelay)
				} else {
					timer.Reset(reloadDelay)
				}
				reload = timer.C
			case <-reload:
				reload = nil
				c, err := Load(abs)
				if err != nil {
					logger.Warn("failed to reload configuration", slog.String("path", abs), slog.Any("error", err))
					continue
				}
				logger.Info("configuration reloaded", slog.String("path", abs))
				onChange(c)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher error", slog.Any("error", err))
			}
		}
	}()

	return nil
}
