package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/forkpool/forkpool/pkg/logger"
)

// ErrConfigRemoved is reported to callbacks when the watched file disappears.
var ErrConfigRemoved = errors.New("configuration file removed")

// DefaultDebounce is how long the file must stay quiet before a reload.
const DefaultDebounce = 500 * time.Millisecond

// ReloadCallback receives the reloaded configuration, or the error that
// prevented loading it. cfg is nil when err is set.
type ReloadCallback func(cfg *Config, err error)

// stamp identifies one version of the file on disk.
type stamp struct {
	modTime time.Time
	size    int64
}

func (s stamp) same(o stamp) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

// ReloadManager reloads a configuration file when it changes on disk.
type ReloadManager struct {
	path     string
	logger   logger.Logger
	debounce time.Duration

	mu        sync.Mutex
	callbacks []ReloadCallback
	last      stamp
}

// NewReloadManager creates a manager for the file at path.
func NewReloadManager(path string, log logger.Logger) *ReloadManager {
	if log == nil {
		log = logger.NopLogger{}
	}
	rm := &ReloadManager{path: path, logger: log, debounce: DefaultDebounce}
	if st, err := rm.stat(); err == nil {
		rm.last = st
	}
	return rm
}

// AddCallback registers cb for every reload.
func (rm *ReloadManager) AddCallback(cb ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, cb)
}

// SetDebouncePeriod changes the quiet period. Call before Watch.
func (rm *ReloadManager) SetDebouncePeriod(d time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debounce = d
}

// ConfigPath returns the watched file.
func (rm *ReloadManager) ConfigPath() string {
	return rm.path
}

// Watch follows the file until ctx is done. Bursts of events, such as an
// editor's write-rename-chmod, are folded into one Reload.
func (rm *ReloadManager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(rm.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(rm.path), err)
	}
	rm.logger.Debug("Watching configuration file", logger.WithField("path", rm.path))

	rm.mu.Lock()
	quiet := rm.debounce
	rm.mu.Unlock()

	timer := time.NewTimer(quiet)
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
			if filepath.Base(ev.Name) != filepath.Base(rm.path) {
				continue
			}
			rm.logger.Debug("Configuration file event", logger.WithField("event", ev.String()))
			timer.Reset(quiet)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			rm.logger.Warn("Configuration watcher error", logger.WithField("error", err))

		case <-timer.C:
			rm.Reload()
		}
	}
}

// Reload loads the file if it changed since the last reload and notifies
// the callbacks. It reports whether callbacks were called.
func (rm *ReloadManager) Reload() bool {
	st, err := rm.stat()
	if errors.Is(err, os.ErrNotExist) {
		rm.notify(nil, fmt.Errorf("%w: %s", ErrConfigRemoved, rm.path))
		return true
	}
	if err != nil {
		rm.notify(nil, err)
		return true
	}

	rm.mu.Lock()
	if st.same(rm.last) {
		rm.mu.Unlock()
		rm.logger.Debug("Configuration file unchanged")
		return false
	}
	rm.last = st
	rm.mu.Unlock()

	cfg, err := LoadFile(rm.path)
	if err != nil {
		rm.logger.Error("Failed to reload configuration", logger.WithField("error", err))
		rm.notify(nil, err)
		return true
	}

	rm.logger.Info("Configuration reloaded", logger.WithField("path", rm.path))
	rm.notify(cfg, nil)
	return true
}

func (rm *ReloadManager) stat() (stamp, error) {
	info, err := os.Stat(rm.path)
	if err != nil {
		return stamp{}, err
	}
	return stamp{modTime: info.ModTime(), size: info.Size()}, nil
}

func (rm *ReloadManager) notify(cfg *Config, err error) {
	rm.mu.Lock()
	callbacks := append([]ReloadCallback(nil), rm.callbacks...)
	rm.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rm.logger.Error("Reload callback panic recovered", logger.WithField("panic", r))
				}
			}()
			cb(cfg, err)
		}()
	}
}
