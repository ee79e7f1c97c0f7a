package configstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ratelimit-lab/adaptive-limiter/engine/models"
	"github.com/ratelimit-lab/adaptive-limiter/engine/telemetry/logging"
)

// yamlConfig is the on-disk shape accepted by FileWatcher, mirroring
// LimitConfig's fields as a partial patch; omitted keys leave the field
// untouched.
type yamlConfig struct {
	Algorithm     *string  `yaml:"algorithm"`
	Limit         *int64   `yaml:"limit"`
	WindowSeconds *int64   `yaml:"window"`
	Capacity      *int64   `yaml:"capacity"`
	FillRate      *float64 `yaml:"fillRate"`
}

// FileWatcher applies a YAML config file to a ConfigStore on every write,
// adapted from the teacher's HotReloadSystem: watch the containing
// directory rather than the file itself, since editors commonly replace a
// file on save instead of writing it in place.
type FileWatcher struct {
	path    string
	store   *ConfigStore
	watcher *fsnotify.Watcher
	logger  logging.Logger
}

// NewFileWatcher constructs a watcher for path; call Watch to start it.
func NewFileWatcher(path string, store *ConfigStore, logger logging.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = logging.New(nil)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &FileWatcher{path: path, store: store, watcher: w, logger: logger}, nil
}

// Watch loads the file once immediately, then applies it again on every
// write event until ctx is canceled. It blocks until ctx is done or the
// watcher fails to start.
func (fw *FileWatcher) Watch(ctx context.Context) error {
	fw.loadAndApply(ctx)

	dir := filepath.Dir(fw.path)
	if err := fw.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	defer fw.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(fw.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				fw.loadAndApply(ctx)
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return nil
			}
			fw.logger.ErrorCtx(ctx, "config file watcher error", "error", err)
		}
	}
}

func (fw *FileWatcher) loadAndApply(ctx context.Context) {
	data, err := os.ReadFile(fw.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fw.logger.ErrorCtx(ctx, "failed to read config file", "path", fw.path, "error", err)
		}
		return
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		fw.logger.ErrorCtx(ctx, "failed to parse config file", "path", fw.path, "error", err)
		return
	}
	patch, err := yc.toPatch()
	if err != nil {
		fw.logger.ErrorCtx(ctx, "config file has an invalid algorithm value", "error", err)
		return
	}
	if _, err := fw.store.Apply(ctx, patch, "file", false); err != nil {
		fw.logger.ErrorCtx(ctx, "config file contents rejected", "path", fw.path, "error", err)
	}
}

func (yc yamlConfig) toPatch() (models.ConfigPatch, error) {
	patch := models.ConfigPatch{
		Limit:         yc.Limit,
		WindowSeconds: yc.WindowSeconds,
		Capacity:      yc.Capacity,
		FillRate:      yc.FillRate,
	}
	if yc.Algorithm != nil {
		algo, err := models.NormalizeAlgorithm(*yc.Algorithm)
		if err != nil {
			return patch, err
		}
		patch.Algorithm = &algo
	}
	return patch, nil
}
