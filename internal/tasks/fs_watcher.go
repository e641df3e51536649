package tasks

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tiepoint/internal/fsutil"
)

// FileSystemEvent represents a file system change
type FileSystemEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// FileSystemWatcher monitors directories for tie-point files. Bursts of
// create/write events on one path are coalesced into a single event once the
// path has been quiet for the debounce interval.
type FileSystemWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan FileSystemEvent
	watchDirs []string
	exts      []string
	debounce  time.Duration
	log       *slog.Logger
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

type pendingEvent struct {
	op       string
	deadline time.Time
}

// NewFileSystemWatcher creates a new filesystem watcher
func NewFileSystemWatcher(watchPaths, exts []string, debounce time.Duration, log *slog.Logger) (*FileSystemWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &FileSystemWatcher{
		watcher:   watcher,
		Events:    make(chan FileSystemEvent, 100),
		watchDirs: watchPaths,
		exts:      exts,
		debounce:  debounce,
		log:       log,
		done:      make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories
func (fsw *FileSystemWatcher) Start() error {
	for _, dir := range fsw.watchDirs {
		if err := fsw.watcher.Add(dir); err != nil {
			return err
		}
		fsw.log.Info("watching directory", "dir", dir)
	}

	fsw.wg.Add(1)
	go fsw.processEvents()
	return nil
}

// Stop stops the watcher and closes Events.
func (fsw *FileSystemWatcher) Stop() error {
	var err error
	fsw.stopOnce.Do(func() {
		close(fsw.done)
		err = fsw.watcher.Close()
		fsw.wg.Wait()
		close(fsw.Events)
	})
	return err
}

func (fsw *FileSystemWatcher) processEvents() {
	defer fsw.wg.Done()

	tick := fsw.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	pending := make(map[string]*pendingEvent)
	for {
		select {
		case event, ok := <-fsw.watcher.Events:
			if !ok {
				return
			}
			var operation string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				operation = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				operation = "modified"
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				operation = "deleted"
			case event.Op&fsnotify.Rename == fsnotify.Rename:
				operation = "renamed"
			default:
				continue // chmod
			}
			if !fsutil.HasExt(event.Name, fsw.exts) {
				continue
			}

			if operation == "deleted" || operation == "renamed" {
				delete(pending, event.Name)
				fsw.emit(FileSystemEvent{Path: event.Name, Operation: operation, Time: time.Now()})
				continue
			}
			if p, ok := pending[event.Name]; ok {
				// A create followed by writes stays a create.
				p.deadline = time.Now().Add(fsw.debounce)
				continue
			}
			pending[event.Name] = &pendingEvent{op: operation, deadline: time.Now().Add(fsw.debounce)}

		case now := <-ticker.C:
			for path, p := range pending {
				if now.Before(p.deadline) {
					continue
				}
				delete(pending, path)
				var size int64
				if info, err := os.Stat(path); err == nil {
					size = info.Size()
				} else {
					continue
				}
				fsw.emit(FileSystemEvent{Path: path, Operation: p.op, Time: now, Size: size})
			}

		case err, ok := <-fsw.watcher.Errors:
			if !ok {
				return
			}
			fsw.log.Error("filesystem watcher error", "error", err)

		case <-fsw.done:
			return
		}
	}
}

func (fsw *FileSystemWatcher) emit(ev FileSystemEvent) {
	select {
	case fsw.Events <- ev:
	default:
		fsw.log.Warn("event buffer full, dropping event", "path", ev.Path)
	}
}
