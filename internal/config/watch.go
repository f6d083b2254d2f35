package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config whenever the file changes and hands the fresh
// copy to onChange. Identity fields (basedir, name, father.token) are pinned
// to their boot values so a live edit cannot re-home the process.
func Watch(ctx context.Context, path string, boot *Config, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace the file, which drops a watch
	// registered on the path itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				fresh, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed", "error", err)
					continue
				}
				fresh.Basedir = boot.Basedir
				fresh.Name = boot.Name
				fresh.Father.Token = boot.Father.Token
				slog.Info("config reloaded", "path", path)
				onChange(fresh)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
