package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// reloadDelay coalesces the burst of events a single save produces.
const reloadDelay = 50 * time.Millisecond

// Watcher reloads an overrides file whenever it changes and hands the parsed
// result to a callback. A file that fails to parse is logged and skipped; the
// previous overrides stay in effect.
type Watcher struct {
	path     string
	onChange func(Overrides)
	logger   *zap.Logger
	w        *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// Watch starts watching path. The directory is watched rather than the file so
// that editors replacing the file by rename are still seen.
func Watch(path string, logger *zap.Logger, onChange func(Overrides)) (*Watcher, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	cw := &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		w:        w,
		done:     make(chan struct{}),
	}
	cw.wg.Add(1)
	go cw.loop()
	return cw, nil
}

func (cw *Watcher) loop() {
	defer cw.wg.Done()
	for {
		select {
		case <-cw.done:
			return
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				cw.schedule()
			}
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("override watcher error", zap.Error(err))
		}
	}
}

func (cw *Watcher) schedule() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(reloadDelay, cw.reload)
}

func (cw *Watcher) reload() {
	select {
	case <-cw.done:
		return
	default:
	}
	o, err := LoadOverrides(cw.path)
	if err != nil {
		cw.logger.Warn("override reload failed", zap.String("path", cw.path), zap.Error(err))
		return
	}
	cw.logger.Info("overrides reloaded", zap.String("path", cw.path), zap.Int("entries", len(o)))
	cw.onChange(o)
}

func (cw *Watcher) Close() error {
	close(cw.done)
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()
	err := cw.w.Close()
	cw.wg.Wait()
	return err
}
