package feed

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch starts an fsnotify watcher on the store's directory so writes wake
// the engine before the poll interval elapses. The directory is watched
// rather than the file because the store may not exist yet and may be
// recreated by the writer.
func (f *Feed) Watch() error {
	if f.wake != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating store watcher: %w", err)
	}
	dir := filepath.Dir(f.cfg.Path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(f.cfg.Path)
	f.wake = make(chan struct{}, 1)
	done := make(chan struct{})
	f.stopWake = func() error {
		close(done)
		return w.Close()
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				select {
				case f.wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger.Warn().Err(err).Msg("store watcher error")
			}
		}
	}()
	return nil
}

// Wake fires after the store was written to. It is nil (never fires) until
// Watch succeeds.
func (f *Feed) Wake() <-chan struct{} {
	return f.wake
}
