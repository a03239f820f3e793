package control

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchDebounce collapses the burst of filesystem events a compile or save
// produces into a single reload.
const watchDebounce = 500 * time.Millisecond

// WatchSynthDefs watches the custom synthdef directory and submits a reload
// when .scsyndef files change. It runs its own goroutine and stops when the
// loop shuts down.
func (l *Loop) WatchSynthDefs() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := l.cfg.SynthDef.CustomDir
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	logger := l.logger.Named("watch")
	go func() {
		defer w.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Ext(ev.Name) != ".scsyndef" {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				logger.Debug("synthdef changed", zap.String("file", filepath.Base(ev.Name)))
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					fire = timer.C
				} else {
					timer.Reset(watchDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if !strings.Contains(err.Error(), "overflow") {
					logger.Warn("watch error", zap.Error(err))
				}
			case <-fire:
				timer = nil
				fire = nil
				if err := l.Submit(LoadSynthDefs{Reply: NewReply()}); err != nil {
					return
				}
			case <-l.done:
				return
			}
		}
	}()
	return nil
}
