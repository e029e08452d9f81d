package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

// ThresholdWatcher reloads a thresholds file into a registry whenever it changes on disk.
type ThresholdWatcher struct {
	path     string
	base     models.Threshold
	registry *ThresholdRegistry
	logger   *slog.Logger
	onSwap   func(*ThresholdSet)
}

// NewThresholdWatcher builds a watcher. onSwap, when non-nil, runs after each successful reload.
func NewThresholdWatcher(path string, base models.Threshold, registry *ThresholdRegistry, logger *slog.Logger, onSwap func(*ThresholdSet)) *ThresholdWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThresholdWatcher{path: path, base: base, registry: registry, logger: logger, onSwap: onSwap}
}

// Reload reads the file once and swaps it in. A bad file leaves the current snapshot active.
func (w *ThresholdWatcher) Reload() error {
	set, err := LoadThresholdFile(w.path, w.base)
	if err != nil {
		return err
	}
	set, err = set.WithEnv(os.Environ())
	if err != nil {
		return err
	}
	active := w.registry.Swap(set)
	w.logger.Info("thresholds reloaded", slog.String("path", w.path), slog.Int64("version", active.Version))
	if w.onSwap != nil {
		w.onSwap(active)
	}
	return nil
}

// Run watches the file's directory until ctx is done. Editors that replace files via rename
// are handled by watching the parent directory and filtering on the file name.
func (w *ThresholdWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Warn("threshold reload rejected", slog.String("path", w.path), slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("threshold watcher error", slog.Any("error", err))
		}
	}
}
