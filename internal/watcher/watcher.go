// Package watcher consumes filesystem change events and decides exactly
// which modules must recompile and which downstream artifacts (route tables,
// render cache, HMR clients) must invalidate.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/veloframe/velo/internal/logging"
)

// EventType represents the kind of filesystem change.
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType.
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// ChangeEvent represents one file change.
type ChangeEvent struct {
	Type    EventType
	Path    string
	ModTime time.Time
	Size    int64
}

// FileFilter determines whether a path should be watched.
type FileFilter func(path string) bool

// ChangeHandler handles a file change event.
type ChangeHandler func(event ChangeEvent)

// FileWatcher watches directories recursively and dispatches raw change
// events to its handlers. Debouncing happens downstream, keyed by module id
// rather than raw path.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	filters  []FileFilter
	handlers []ChangeHandler
	log      logging.Logger
	mutex    sync.RWMutex
}

// NewFileWatcher creates a file watcher.
func NewFileWatcher(log logging.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	return &FileWatcher{
		watcher: watcher,
		log:     log.WithComponent("watcher"),
	}, nil
}

// AddFilter adds a file filter. A path must pass every filter to be
// dispatched.
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

// AddHandler adds a change handler.
func (fw *FileWatcher) AddHandler(handler ChangeHandler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// AddPath adds a single path to watch.
func (fw *FileWatcher) AddPath(path string) error {
	return fw.watcher.Add(filepath.Clean(path))
}

// AddRecursive adds a directory and all its subdirectories to watch. Newly
// created subdirectories are picked up by the watch loop.
func (fw *FileWatcher) AddRecursive(root string) error {
	return filepath.Walk(filepath.Clean(root), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if isHiddenDir(info.Name()) && path != root {
				return filepath.SkipDir
			}
			return fw.watcher.Add(path)
		}
		return nil
	})
}

// Start runs the watch loop until the context is canceled.
func (fw *FileWatcher) Start(ctx context.Context) {
	go fw.watchLoop(ctx)
}

// Stop closes the underlying watcher.
func (fw *FileWatcher) Stop() error {
	return fw.watcher.Close()
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(ctx, event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			// Keep watching after any error so a single bad event never
			// kills the process.
			fw.log.Warn(ctx, err, "watch error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(ctx context.Context, event fsnotify.Event) {
	fw.mutex.RLock()
	filters := fw.filters
	handlers := fw.handlers
	fw.mutex.RUnlock()

	for _, filter := range filters {
		if !filter(event.Name) {
			return
		}
	}

	var eventType EventType
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		eventType = EventTypeCreated
	case event.Op&fsnotify.Write == fsnotify.Write:
		eventType = EventTypeModified
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		eventType = EventTypeDeleted
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		eventType = EventTypeRenamed
	default:
		eventType = EventTypeModified
	}

	change := ChangeEvent{Type: eventType, Path: event.Name}
	if info, err := os.Stat(event.Name); err == nil {
		change.ModTime = info.ModTime()
		change.Size = info.Size()
		// Watch directories as they appear so nested page trees keep
		// working.
		if info.IsDir() && eventType == EventTypeCreated {
			if err := fw.watcher.Add(event.Name); err != nil {
				fw.log.Warn(ctx, err, "failed to watch new directory", "path", event.Name)
			}
			return
		}
	}

	for _, handler := range handlers {
		handler(change)
	}
}

func isHiddenDir(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// NoHiddenFilter rejects dotfiles and paths inside dot-directories.
func NoHiddenFilter(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if isHiddenDir(part) {
			return false
		}
	}
	return true
}

// IgnoreDirsFilter rejects paths under any of the given absolute directories.
// Build output must never feed back into the watch pipeline.
func IgnoreDirsFilter(dirs ...string) FileFilter {
	cleaned := make([]string, 0, len(dirs))
	for _, d := range dirs {
		cleaned = append(cleaned, filepath.Clean(d)+string(os.PathSeparator))
	}
	return func(path string) bool {
		p := filepath.Clean(path)
		for _, d := range cleaned {
			if strings.HasPrefix(p, d) {
				return false
			}
		}
		return true
	}
}
