package targetdesc

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/markus-k/probe-rs/internal/log"
)

// Watcher reloads a Registry when description files in its search paths
// change. Events are debounced so an editor's save burst causes one reload.
type Watcher struct {
	reg      *Registry
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onReload func()
}

// NewWatcher watches every existing search path of reg. onReload, if not
// nil, runs after each successful reload.
func NewWatcher(reg *Registry, onReload func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range reg.SearchPaths() {
		if err := fsw.Add(dir); err != nil {
			log.Warn("cannot watch target directory %s: %v", dir, err)
		}
	}
	return &Watcher{
		reg:      reg,
		fsw:      fsw,
		debounce: 200 * time.Millisecond,
		onReload: onReload,
	}, nil
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !isDescription(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug("target description changed: %s (%s)", ev.Name, ev.Op)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("target watcher: %v", err)

		case <-timerCh:
			timerCh = nil
			if err := w.reg.Reload(); err != nil {
				log.Error("failed to reload target descriptions: %v", err)
				continue
			}
			log.Info("reloaded target descriptions (%d families)", len(w.reg.Families()))
			if w.onReload != nil {
				w.onReload()
			}
		}
	}
}

func isDescription(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
