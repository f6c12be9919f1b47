package server

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"dbcatalog/internal/logger"
)

const debounce = 100 * time.Millisecond

// WatchConfig calls reload whenever the file at path is written, created or
// renamed into place, until ctx is cancelled. The parent directory is watched
// so editors that replace the file are noticed too.
func WatchConfig(ctx context.Context, path string, reload func() error) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Info("watching %s for changes", abs)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				logger.Debug("config changed: %s", event.Name)
				if err := reload(); err != nil {
					logger.Error("reload config: %v", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error: %v", err)
		}
	}
}
