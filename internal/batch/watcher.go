package batch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher reports changes to a single file. It watches the parent
// directory so that editors replacing the file are seen too.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	callback func(path string)
	debounce time.Duration
	logger   *zap.Logger

	timer *time.Timer
	mu    sync.Mutex

	cancel context.CancelFunc
}

// NewFileWatcher creates a watcher for path
func NewFileWatcher(path string, callback func(path string), logger *zap.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &FileWatcher{
		watcher:  watcher,
		path:     abs,
		callback: callback,
		debounce: 500 * time.Millisecond, // Debounce rapid changes
		logger:   logger,
	}, nil
}

// Start begins watching for file changes
func (fw *FileWatcher) Start(ctx context.Context) {
	ctx, fw.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fw.watcher.Events:
				if !ok {
					return
				}
				fw.handleEvent(event)
			case err, ok := <-fw.watcher.Errors:
				if !ok {
					return
				}
				fw.logger.Warn("batch: watch error", zap.String("path", fw.path), zap.Error(err))
			}
		}
	}()
}

// Stop stops watching for file changes
func (fw *FileWatcher) Stop() {
	if fw.cancel != nil {
		fw.cancel()
	}
	fw.watcher.Close()

	fw.mu.Lock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()
}

func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != fw.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	// Reset or start debounce timer
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.flush)
}

func (fw *FileWatcher) flush() {
	if fw.callback != nil {
		fw.callback(fw.path)
	}
}

// SetDebounce sets the debounce duration for batching file changes
func (fw *FileWatcher) SetDebounce(d time.Duration) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.debounce = d
}

// WatchSchedules reloads s whenever the schedule file at path changes.
// An invalid file is logged and the previous schedules stay active.
func WatchSchedules(ctx context.Context, s *Scheduler, path string, logger *zap.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := NewFileWatcher(path, func(p string) {
		cfg, err := LoadScheduleConfig(p)
		if err == nil {
			err = s.Reload(cfg.Schedules)
		}
		if err != nil {
			logger.Error("batch: schedule reload failed, keeping previous schedules", zap.String("path", p), zap.Error(err))
			return
		}
		logger.Info("batch: schedules reloaded", zap.String("path", p), zap.Int("schedules", len(cfg.Schedules)))
	}, logger)
	if err != nil {
		return nil, err
	}
	fw.Start(ctx)
	return fw, nil
}
