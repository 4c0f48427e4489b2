package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// debounce collapses the burst of events editors produce on save.
const debounce = 150 * time.Millisecond

// Watch calls fn with the reloaded config each time path is written, until
// ctx is done. A config that fails to load is passed as an error and the
// previous config stays in effect. The directory is watched rather than
// the file so saves that replace the file are seen.
func Watch(ctx context.Context, path string, fn func(Config, error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating watcher: %w", err)
	}
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("error watching %s: %w", dir, err)
	}
	log.Debug("watching config", "path", path)

	go func() {
		defer func() {
			if err := w.Close(); err != nil {
				log.Error("fail to unwatch config", "dir", dir, "error", err)
			}
		}()

		timer := time.NewTimer(debounce)
		timer.Stop()
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				log.Debug("config event", "file", event.Name, "event", event.Op)
				timer.Reset(debounce)
			case <-timer.C:
				fn(Load(path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Debug("config watch error", "dir", dir, "error", err)
			}
		}
	}()
	return nil
}
