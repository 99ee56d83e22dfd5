package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/ibgate-project/ibgate/pkg/logging"
)

// DefaultDebounce collapses the burst of events an atomic save produces.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and
// hands every valid result to a callback. Invalid edits are logged and
// ignored so the running configuration stays in force.
type Watcher struct {
	fs       afero.Fs
	root     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	log      *logging.Logger
	debounce time.Duration
}

// NewWatcher watches root for changes to the configuration file. The
// directory is watched rather than the file because saves replace it.
func NewWatcher(fs afero.Fs, root string, onChange func(*Config), log *logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Nop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", root, err)
	}
	return &Watcher{
		fs:       fs,
		root:     root,
		watcher:  w,
		onChange: onChange,
		log:      log.With("component", "config"),
		debounce: DefaultDebounce,
	}, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var fire <-chan time.Time
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != FileName || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watch error", map[string]any{"error": err.Error()})
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.fs, w.root)
	if err != nil {
		w.log.Warn("config reload rejected", map[string]any{"error": err.Error()})
		return
	}
	w.log.Info("config reloaded", map[string]any{"mode": cfg.Mode.String(), "opening_time_ms": cfg.OpeningTimeMS})
	w.onChange(cfg)
}
