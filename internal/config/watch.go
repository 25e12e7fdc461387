// SPDX-License-Identifier: MIT
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses the burst of events editors produce on save.
var watchDebounce = 150 * time.Millisecond

// Watch reloads path whenever it changes and passes every configuration
// that loads and validates to onChange. Invalid edits are logged and
// skipped. It blocks until ctx is done.
//
// The parent directory is watched rather than the file so that editors
// which save by rename are followed.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	if path == "" {
		return fmt.Errorf("watch: no configuration file")
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	cfgLog.Infof("watching %s for changes", target)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || name != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reload = time.After(watchDebounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			cfgLog.Warnf("watch error: %v", err)

		case <-reload:
			reload = nil
			cfg, err := LoadConfig(path)
			if err != nil {
				cfgLog.Warnf("ignoring change to %s: %v", path, err)
				continue
			}
			cfgLog.Infof("reloaded %s", path)
			onChange(cfg)
		}
	}
}
