package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/altia/nlserv/internal/licence"
	"github.com/altia/nlserv/internal/log"
)

// DefaultDebounce coalesces the burst of events a single file copy
// produces into one reload.
const DefaultDebounce = 2 * time.Second

// Watcher reloads licences when *.nls1 files change in the licence
// folder, closing the gap between daily reloads.
type Watcher struct {
	Folder   string
	Reloader *Reloader
	Debounce time.Duration
}

// Run watches the folder until ctx is cancelled. Watcher setup failure
// is returned; per-event reload failures are logged and watching
// continues.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.WithComponent("watcher")
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(w.Folder); err != nil {
		return fmt.Errorf("watch %s: %w", w.Folder, err)
	}
	logger.Info().Str("event", "watcher.start").Str("folder", w.Folder).Msg("watching licence folder")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if !strings.EqualFold(filepath.Ext(event.Name), licence.FileExtension) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug().
				Str("event", "watcher.change").
				Str("file", filepath.Base(event.Name)).
				Str("op", event.Op.String()).
				Msg("licence file changed")
			pending = time.After(debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			logger.Warn().Err(err).Str("event", "watcher.error").Msg("watcher error")

		case <-pending:
			pending = nil
			if _, err := w.Reloader.Reload(ctx); err != nil {
				logger.Error().Err(err).Str("event", "watcher.reload_failed").Msg("reload after file change failed")
			}
		}
	}
}
