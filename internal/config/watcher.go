package config

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/edgars/konneqt-api-gw/internal/logging"
)

// Watcher reloads a configuration file when it changes on disk. Invalid
// revisions are logged and skipped; subscribers only ever see configs that
// passed validation.
type Watcher struct {
	fs       *fsnotify.Watcher
	loader   *Loader
	path     string
	debounce time.Duration

	mu       sync.Mutex
	handlers []func(*Config)
}

// NewWatcher watches the directory holding path. Editors that save through a
// rename replace the inode, so watching the file itself would miss writes.
func NewWatcher(path string, loader *Loader) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	if loader == nil {
		loader = NewLoader()
	}
	return &Watcher{
		fs:       fsw,
		loader:   loader,
		path:     path,
		debounce: 500 * time.Millisecond,
	}, nil
}

// SetDebounce sets how long the watcher waits for writes to settle.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// OnChange registers fn to receive every successfully reloaded config.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.handlers = append(w.handlers, fn)
	w.mu.Unlock()
}

// Run blocks until ctx is done, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	name := filepath.Base(w.path)
	var (
		timer  *time.Timer
		settle <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			settle = timer.C

		case <-settle:
			settle = nil
			w.reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		logging.Error("config reload rejected, keeping current configuration",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	handlers := slices.Clone(w.handlers)
	w.mu.Unlock()

	logging.Info("configuration file changed", zap.String("path", w.path))
	for _, fn := range handlers {
		fn(cfg)
	}
}
