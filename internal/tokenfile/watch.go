package tokenfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reports changes to the token file at path until ctx is canceled.
// onChange receives the new contents, or nil when the file was removed.
// The parent directory is watched because Write replaces the file by
// rename, which ends a watch on the file itself.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*File)) error {
	if logger == nil {
		logger = slog.Default()
	}

	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tokenfile: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("tokenfile: watching %s: %w", dir, err)
	}

	logger.Debug("watching token file", slog.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != path {
				continue
			}

			handleEvent(ev, path, logger, onChange)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("token file watcher error", slog.String("error", werr.Error()))
		}
	}
}

func handleEvent(ev fsnotify.Event, path string, logger *slog.Logger, onChange func(*File)) {
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Info("token file removed", slog.String("path", path))
			onChange(nil)
		}

	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		f, err := Read(path)
		if err != nil {
			// A partial write by a non-atomic writer; the next event
			// carries the complete file.
			logger.Debug("ignoring unreadable token file", slog.String("error", err.Error()))
			return
		}

		if f != nil {
			logger.Info("token file changed", slog.String("path", path))
			onChange(f)
		}
	}
}
