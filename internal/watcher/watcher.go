package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Event describes a settled change to a watched file
type Event struct {
	// Path is the absolute path of the changed file
	Path string
	// Removed is set when the file no longer exists
	Removed bool
}

// Watcher watches a set of files in one directory for changes
type Watcher struct {
	dir      string
	onChange func(Event)
	debounce time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	files  map[string]bool
	timers map[string]*time.Timer
}

// New creates a watcher for files in dir
func New(dir string, onChange func(Event), log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		log:      log,
		files:    make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
}

// WithDebounce sets the debounce duration
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// Add starts reporting changes for a file name in the directory
func (w *Watcher) Add(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[filepath.Base(name)] = true
}

// Remove stops reporting changes for a file name
func (w *Watcher) Remove(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	base := filepath.Base(name)
	delete(w.files, base)
	if t, ok := w.timers[base]; ok {
		t.Stop()
		delete(w.timers, base)
	}
}

// Watching reports whether a file name is tracked
func (w *Watcher) Watching(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[filepath.Base(name)]
}

// Watch blocks until the context is cancelled or the watcher fails.
// The directory is watched rather than the files so that editors
// replacing a file by rename are still observed.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}

	w.log.Info("watching directory", zap.String("dir", w.dir))

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))

		case <-ctx.Done():
			w.mu.Lock()
			for name, t := range w.timers {
				t.Stop()
				delete(w.timers, name)
			}
			w.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	base := filepath.Base(event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.files[base] {
		return
	}

	// Debounce rapid changes per file
	if t, ok := w.timers[base]; ok {
		t.Stop()
	}

	path, err := filepath.Abs(filepath.Join(w.dir, base))
	if err != nil {
		path = filepath.Join(w.dir, base)
	}

	w.timers[base] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, base)
		tracked := w.files[base]
		w.mu.Unlock()

		if !tracked {
			return
		}

		// The settled state decides between change and removal
		removed := !fileExists(path)
		w.log.Debug("file changed", zap.String("path", path), zap.Bool("removed", removed))
		w.onChange(Event{Path: path, Removed: removed})
	})
}
