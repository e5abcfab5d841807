package stubsync

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Observer watches task output directories for out-of-band stub removal.
// It is advisory only: a missing stub is logged immediately and recreated
// by the next sync run, which re-checks the filesystem anyway.
type Observer struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewObserver creates a filesystem observer.
func NewObserver(logger *slog.Logger) (*Observer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Observer{watcher: watcher, logger: logger}, nil
}

// Watch registers an output directory and its existing subdirectories.
// Directories created later are picked up from create events.
func (o *Observer) Watch(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return o.watcher.Add(path)
		}

		return nil
	})
}

// Run processes filesystem events until ctx is canceled.
func (o *Observer) Run(ctx context.Context) error {
	defer o.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-o.watcher.Events:
			if !ok {
				return nil
			}

			o.handle(event)
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return nil
			}

			o.logger.Warn("filesystem observer error", slog.String("error", err.Error()))
		}
	}
}

func (o *Observer) handle(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		// New subdirectories join the watch so nested stubs stay covered.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := o.watcher.Add(event.Name); err != nil {
				o.logger.Warn("failed to watch new directory",
					slog.String("path", event.Name),
					slog.String("error", err.Error()),
				)
			}

			return
		}
	}

	if !strings.HasSuffix(event.Name, StubExt) {
		return
	}

	if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		o.logger.Warn("stub removed outside of sync",
			slog.String("path", event.Name),
			slog.String("op", event.Op.String()),
		)
	}
}
