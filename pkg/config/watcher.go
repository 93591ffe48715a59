package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events editors and cert tooling emit
// for a single logical write.
const DefaultDebounce = 100 * time.Millisecond

// FileWatcher watches a set of files and invokes a callback once per burst of
// changes. Directories are watched rather than files so that atomic
// rename-into-place updates are observed.
type FileWatcher struct {
	paths    map[string]struct{}
	onChange func(changed []string)
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// NewFileWatcher starts watching paths. onChange receives the absolute paths
// that changed since the previous call.
func NewFileWatcher(paths []string, debounce time.Duration, logger *slog.Logger, onChange func(changed []string)) (*FileWatcher, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files to watch")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &FileWatcher{
		paths:    make(map[string]struct{}, len(paths)),
		onChange: onChange,
		debounce: debounce,
		watcher:  watcher,
		logger:   logger.With("component", "file_watcher"),
		done:     make(chan struct{}),
		pending:  make(map[string]struct{}),
	}

	dirs := make(map[string]struct{})
	for _, path := range paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
		}
		w.paths[absPath] = struct{}{}
		dirs[filepath.Dir(absPath)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.watchLoop(ctx)

	return w, nil
}

// Close stops the watcher and cleans up resources.
func (w *FileWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *FileWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			name := filepath.Clean(event.Name)
			if _, watched := w.paths[name]; !watched {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Chmod) {
				w.schedule(name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *FileWatcher) fire() {
	w.mu.Lock()
	changed := make([]string, 0, len(w.pending))
	for path := range w.pending {
		changed = append(changed, path)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	w.logger.Debug("Watched files changed", "files", changed)
	w.onChange(changed)
}
