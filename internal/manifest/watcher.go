package manifest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflow/internal/logging"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Watcher reloads a manifest file whenever it changes. A reload that fails
// validation is logged and the previous graph stays current.
type Watcher struct {
	path     string
	loader   *Loader
	onReload func(*workflow.Graph)
	logger   *logging.Logger
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	once     sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher for path. onReload receives each successfully
// loaded graph.
func NewWatcher(path string, loader *Loader, onReload func(*workflow.Graph), logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving manifest path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		path:     abs,
		loader:   loader,
		onReload: onReload,
		logger:   logger.Named("manifest.watcher"),
		watcher:  fw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the manifest's directory, so editors that replace the file
// by rename are seen too. It returns once the watch is installed.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", w.path, err)
	}
	go w.processEvents(ctx)
	return nil
}

// Stop ends the watch and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "manifest watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	g, err := w.loader.LoadFile(ctx, w.path)
	if err != nil {
		w.logger.Error(ctx, "manifest reload failed, keeping previous graph",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info(ctx, "manifest reloaded",
		zap.String("path", w.path),
		zap.String("manifest", g.Name),
		zap.Int("steps", len(g.Steps)),
	)
	if w.onReload != nil {
		w.onReload(g)
	}
}
