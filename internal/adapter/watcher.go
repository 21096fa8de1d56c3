package adapter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize adapter watcher")

// Watcher reports changes to watched artifact files so stale warm-cache
// entries can be dropped.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	byPath   map[string]string // artifact path -> project id
	dirRefs  map[string]int
	onChange func(projectID string)
	logger   *zap.Logger
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher that calls onChange with the owning project id.
func NewWatcher(onChange func(projectID string), logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watcher:  fw,
		byPath:   make(map[string]string),
		dirRefs:  make(map[string]int),
		onChange: onChange,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Add watches the artifact file of projectID. The parent directory is
// watched so atomic replacement (rename over) is observed.
func (w *Watcher) Add(projectID, artifactPath string) error {
	path := filepath.Clean(artifactPath)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.byPath[path]; ok {
		w.byPath[path] = projectID
		return nil
	}
	if w.dirRefs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.dirRefs[dir]++
	w.byPath[path] = projectID
	return nil
}

// Remove stops watching artifactPath.
func (w *Watcher) Remove(artifactPath string) {
	path := filepath.Clean(artifactPath)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.byPath[path]; !ok {
		return
	}
	delete(w.byPath, path)
	w.dirRefs[dir]--
	if w.dirRefs[dir] <= 0 {
		delete(w.dirRefs, dir)
		_ = w.watcher.Remove(dir)
	}
}

// Start processes filesystem events in a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.processEvents(ctx)
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			projectID, watched := w.byPath[filepath.Clean(event.Name)]
			w.mu.Unlock()
			if watched && w.onChange != nil {
				w.logger.Debug("adapter artifact changed",
					zap.String("project.id", projectID),
					zap.String("path", event.Name),
					zap.String("op", event.Op.String()))
				w.onChange(projectID)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("adapter watcher error", zap.Error(err))
		}
	}
}
