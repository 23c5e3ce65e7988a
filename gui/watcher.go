package gui

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher calls onChange when entries are created, removed or renamed in dir.
// Bursts of events (an archive being extracted) are collapsed into one call.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func()
	logger   *zap.SugaredLogger
}

func NewWatcher(dir string, debounce time.Duration, onChange func(), l *zap.SugaredLogger) *Watcher {
	if l == nil {
		l = zap.S()
	}
	return &Watcher{dir: dir, debounce: debounce, onChange: onChange, logger: l}
}

// Run blocks until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Debugf("watching %v", w.dir)

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				fire = time.After(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("watch error on %v - %v", w.dir, err)
		case <-fire:
			fire = nil
			w.onChange()
		}
	}
}
