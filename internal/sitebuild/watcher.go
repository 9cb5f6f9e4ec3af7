package sitebuild

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher triggers a rebuild when any file under the watched asset roots
// changes. Bursts of events within Debounce collapse into one rebuild.
type Watcher struct {
	Roots    []string
	Debounce time.Duration
	Logger   zerolog.Logger
}

// Run watches until ctx is done. Rebuild errors are logged, not returned,
// so that a broken template edit does not stop the watcher.
func (w *Watcher) Run(ctx context.Context, rebuild func() error) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	for _, root := range w.Roots {
		if err := addTree(fw, root); err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	w.Logger.Info().Strs("roots", w.Roots).Msg("watching assets")

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				// new directories need their own watch
				_ = addTree(fw, ev.Name)
			}
			w.Logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("asset changed")
			timer.Reset(debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.Logger.Warn().Err(err).Msg("watch error")
		case <-timer.C:
			if err := rebuild(); err != nil {
				w.Logger.Error().Err(err).Msg("rebuild failed")
				continue
			}
			w.Logger.Info().Msg("site rebuilt")
		}
	}
}

func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(p)
		}
		return nil
	})
}
