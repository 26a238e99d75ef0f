package options

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path whenever it is written or replaced, until ctx is
// done. The directory is watched so editors that rename over the file
// are seen. Reload errors are logged and the previous values kept.
func (o *Options) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("options: watch: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("options: watch: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("options: watch %s: %w", abs, err)
	}
	o.log.Info().Msgf("options.Options.Watch path=%s", abs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := o.LoadFile(abs); err != nil {
				o.log.Warn().Err(err).Msgf("options.Options.Watch reload failed path=%s", abs)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			o.log.Debug().Err(err).Msg("options.Options.Watch watcher error")
		}
	}
}
