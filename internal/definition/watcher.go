package definition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pitabwire/pmisflow/model"
)

// LoadValidated loads every definition file under dirs and validates the set.
// Validation failures are joined into a single error.
func LoadValidated(loader *Loader, validator *Validator, dirs []string) ([]model.DefinitionFile, error) {
	defs, err := loader.LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	if verrs := validator.Validate(defs); len(verrs) > 0 {
		errs := make([]error, 0, len(verrs))
		for _, ve := range verrs {
			errs = append(errs, ve)
		}
		return nil, fmt.Errorf("definition validation failed: %w", errors.Join(errs...))
	}
	return defs, nil
}

// ReloadRecorder receives reload outcomes.
type ReloadRecorder interface {
	RecordDefinitionReload(status string)
	SetDefinitionsLoaded(count float64)
}

// Watcher reloads the registry when definition files change. A reload that
// fails to load or validate leaves the current snapshot in place.
type Watcher struct {
	dirs      []string
	loader    *Loader
	validator *Validator
	registry  *Registry
	logger    *zap.Logger
	metrics   ReloadRecorder
	debounce  time.Duration
}

// NewWatcher creates a Watcher over the given directories.
func NewWatcher(dirs []string, registry *Registry, logger *zap.Logger) *Watcher {
	return &Watcher{
		dirs:      dirs,
		loader:    NewLoader(),
		validator: NewValidator(),
		registry:  registry,
		logger:    logger,
		debounce:  250 * time.Millisecond,
	}
}

// SetMetrics attaches a recorder for reload outcomes.
func (w *Watcher) SetMetrics(m ReloadRecorder) {
	w.metrics = m
}

// Reload loads, validates and swaps in a new snapshot.
func (w *Watcher) Reload() error {
	defs, err := LoadValidated(w.loader, w.validator, w.dirs)
	if err != nil {
		if w.metrics != nil {
			w.metrics.RecordDefinitionReload("rejected")
		}
		return err
	}
	before := w.registry.Checksum()
	w.registry.Replace(defs)
	if w.metrics != nil {
		w.metrics.RecordDefinitionReload("success")
		w.metrics.SetDefinitionsLoaded(float64(len(defs)))
	}
	if after := w.registry.Checksum(); after != before {
		w.logger.Info("definitions reloaded",
			zap.Int("files", len(defs)),
			zap.String("checksum", after),
		)
	}
	return nil
}

// Run watches the directories until ctx is cancelled. Bursts of file events
// are coalesced into a single reload.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("definition watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return fw.Add(path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("definition watcher: watching %s: %w", dir, err)
		}
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = fw.Add(ev.Name)
				}
			}
			if !isDefinitionFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("definition watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.logger.Warn("definition reload rejected, keeping previous snapshot", zap.Error(err))
			}
		}
	}
}
