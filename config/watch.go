package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ieure/tillicum/log"
)

// DefaultDebounce is used by Watch when debounce is not positive.
const DefaultDebounce = 500 * time.Millisecond

var logger = log.GetLogger("tillicum/config")

// Watch calls fn once a burst of changes to any of the files in paths has
// been quiet for debounce. The directories of the files are watched, so
// files replaced by rename (as editors and config management do) are seen.
// Watch returns when ctx is done.
func Watch(ctx context.Context, paths []string, debounce time.Duration, fn func()) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			return err
		}
		dirs[dir] = true
		logger.DEBUG("Watching", "dir", dir)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()
	fire := func() {
		if ctx.Err() == nil {
			fn()
		}
	}

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !files[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.DEBUG("Config file changed", "file", ev.Name, "op", ev.Op)
			mu.Lock()
			if timer == nil {
				timer = time.AfterFunc(debounce, fire)
			} else {
				timer.Reset(debounce)
			}
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.WARN("Watch error", "err", err)
		case <-ctx.Done():
			return nil
		}
	}
}
