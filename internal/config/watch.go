package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the file at path whenever it changes and passes every
// valid result to onChange. Invalid files are logged and skipped. The
// directory is watched so editors that replace the file by rename are seen.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger zerolog.Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	// Writes often arrive as several events; settle before reading.
	const settle = 100 * time.Millisecond
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("path", abs).Msg("config watcher error")
		case <-timer.C:
			cfg, err := Reload(abs)
			if err != nil {
				logger.Warn().Err(err).Str("path", abs).Msg("ignoring invalid config change")
				continue
			}
			for _, w := range cfg.Warnings {
				logger.Warn().Str("path", abs).Msg(w)
			}
			logger.Info().Str("path", abs).Msg("config reloaded")
			onChange(cfg)
		}
	}
}
