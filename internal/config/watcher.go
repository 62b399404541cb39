package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads config.yaml and SYSTEM.md when they change and hands the
// freshly loaded Config to subscribers. Editors often emit several events
// per save, so reloads are debounced.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	updates  chan Config
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		debounce: 200 * time.Millisecond,
		updates:  make(chan Config, 1),
	}
}

// Updates delivers each successfully reloaded configuration. Only the latest
// pending config is kept if the consumer falls behind.
func (w *Watcher) Updates() <-chan Config {
	return w.updates
}

// Start watches the home directory until ctx is done. The directory is
// watched rather than the files so that atomic rename-on-save is seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	watched := map[string]bool{"config.yaml": true, "SYSTEM.md": true}

	go func() {
		defer fsw.Close()
		defer close(w.updates)

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !watched[filepath.Base(ev.Name)] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.logger.Debug("config file changed", "path", ev.Name, "op", ev.Op.String())
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					timer.Reset(w.debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				w.reload()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload rejected; keeping previous settings", "error", err)
		return
	}
	// Drop a stale pending update so the newest config wins.
	select {
	case <-w.updates:
	default:
	}
	w.updates <- cfg
	w.logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
}
