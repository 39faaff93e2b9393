package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/memquest/memquest/pkg/observability/logging"
)

// watchDebounce coalesces editor write bursts into one reload.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the YAML file at path whenever it changes and invokes
// onReload with the freshly loaded configuration. A reload that fails
// to parse or validate is logged and skipped, keeping the last good
// configuration in effect. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save
	// and a file watch dies with the old inode.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	var timerC <-chan time.Time

	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			logging.Errorf("Config: reload failed, keeping previous: %v", err)
			return
		}
		logging.Infof("Config: reloaded from %s", path)
		onReload(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case <-timerC:
			timerC = nil
			timer = nil
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warnf("Config: watcher error: %v", err)
		}
	}
}
