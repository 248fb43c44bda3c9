// Package watcher turns file system notifications under project folders into
// editor-style save, create, delete and rename events.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/droidscript/dssync/internal/exclude"
	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change an Event describes.
type Op int

const (
	// OpSave indicates an existing file was written.
	OpSave Op = iota
	// OpCreate indicates a new file or folder appeared.
	OpCreate
	// OpDelete indicates a file or folder went away.
	OpDelete
	// OpRename indicates a file or folder moved from OldPath to Path.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpSave:
		return "save"
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is one change under a watched root.
type Event struct {
	Op      Op
	Path    string
	OldPath string // set for OpRename only
}

// Config holds watcher configuration.
type Config struct {
	// PairWindow is how long a rename waits for the matching create before
	// it is reported as a delete.
	PairWindow time.Duration

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PairWindow: 100 * time.Millisecond,
		Logger:     log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

type root struct {
	path string
	cfg  *exclude.Config
}

type pendingRename struct {
	path string
	at   time.Time
}

// Watcher watches project folders recursively.
type Watcher struct {
	fs      *fsnotify.Watcher
	config  *Config
	logger  *log.Logger
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	roots   []root

	pending *pendingRename // touched by the event loop only
}

// New creates a Watcher. It must be started with Start before it emits
// events.
func New(cfg *Config) (*Watcher, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}
	if cfg.PairWindow <= 0 {
		cfg.PairWindow = DefaultConfig().PairWindow
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		fs:     fsw,
		config: cfg,
		logger: logger,
		events: make(chan Event, 100),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
	}, nil
}

// Start watches every root and all of its included sub-folders. Folders the
// project's exclusion settings skip are not watched at all.
func (w *Watcher) Start(roots ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", r, err)
		}
		rt := root{path: abs, cfg: exclude.Load(abs, w.logger)}
		if err := w.addTree(rt, abs, nil); err != nil {
			w.removeAll()
			return fmt.Errorf("failed to watch %s: %w", abs, err)
		}
		w.roots = append(w.roots, rt)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

func (w *Watcher) removeAll() {
	for _, p := range w.fs.WatchList() {
		_ = w.fs.Remove(p)
	}
	w.roots = nil
}

// addTree adds dir and its included sub-folders. When found is non-nil,
// every file already present is passed to it.
func (w *Watcher) addTree(rt root, dir string, found func(path string)) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Printf("Skipping %s: %v", path, err)
			return nil
		}
		if path != rt.path && w.excluded(rt, path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if found != nil && path != dir {
				found(path)
			}
			return nil
		}
		return w.fs.Add(path)
	})
}

func (w *Watcher) excluded(rt root, path string) bool {
	rel, err := filepath.Rel(rt.path, path)
	if err != nil || rel == "." {
		return false
	}
	return exclude.Excluded(rt.cfg, filepath.ToSlash(rel))
}

func (w *Watcher) rootOf(path string) (root, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	best := -1
	for i, rt := range w.roots {
		if path == rt.path || strings.HasPrefix(path, rt.path+string(filepath.Separator)) {
			if best < 0 || len(rt.path) > len(w.roots[best].path) {
				best = i
			}
		}
	}
	if best < 0 {
		return root{}, false
	}
	return w.roots[best], true
}

// Stop stops watching and closes the Events and Errors channels. It blocks
// until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.fs.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.fs.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel that emits events. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel that emits watch errors. It is closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	var flush *time.Timer
	var flushC <-chan time.Time
	stopFlush := func() {
		if flush != nil {
			flush.Stop()
			flush, flushC = nil, nil
		}
	}
	defer stopFlush()

	for {
		select {
		case <-w.done:
			return

		case <-flushC:
			flush, flushC = nil, nil
			if !w.flushPending() {
				return
			}

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Rename) {
				// A second rename before the first was paired means the
				// first left the watched tree.
				if !w.flushPending() {
					return
				}
				stopFlush()
				w.pending = &pendingRename{path: ev.Name, at: time.Now()}
				flush = time.NewTimer(w.config.PairWindow)
				flushC = flush.C
				continue
			}
			if ev.Has(fsnotify.Create) && w.pending != nil {
				stopFlush()
				if !w.pairRename(ev.Name) {
					return
				}
				continue
			}
			if !w.handle(ev) {
				return
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// handle converts a non-rename notification. It returns false once the
// watcher is shutting down.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	switch {
	case ev.Has(fsnotify.Create):
		return w.created(ev.Name)
	case ev.Has(fsnotify.Write):
		return w.emit(Event{Op: OpSave, Path: ev.Name})
	case ev.Has(fsnotify.Remove):
		return w.emit(Event{Op: OpDelete, Path: ev.Name})
	default:
		// chmod
		return true
	}
}

// created reports a new path. A new folder is watched and any files that
// landed in it before the watch was added are reported too.
func (w *Watcher) created(path string) bool {
	if !w.emit(Event{Op: OpCreate, Path: path}) {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return true
	}
	rt, ok := w.rootOf(path)
	if !ok || w.excluded(rt, path) {
		return true
	}

	var found []string
	if err := w.addTree(rt, path, func(p string) { found = append(found, p) }); err != nil {
		w.logger.Printf("Failed to watch new folder %s: %v", path, err)
		return true
	}
	for _, p := range found {
		if !w.emit(Event{Op: OpCreate, Path: p}) {
			return false
		}
	}
	return true
}

// pairRename joins the pending rename with the create of newPath when both
// are in the same folder and the create arrived in time.
func (w *Watcher) pairRename(newPath string) bool {
	p := w.pending
	w.pending = nil

	if filepath.Dir(p.path) != filepath.Dir(newPath) || time.Since(p.at) > w.config.PairWindow {
		return w.emit(Event{Op: OpDelete, Path: p.path}) && w.created(newPath)
	}
	if !w.emit(Event{Op: OpRename, Path: newPath, OldPath: p.path}) {
		return false
	}
	if info, err := os.Stat(newPath); err == nil && info.IsDir() {
		if rt, ok := w.rootOf(newPath); ok && !w.excluded(rt, newPath) {
			if err := w.addTree(rt, newPath, nil); err != nil {
				w.logger.Printf("Failed to watch renamed folder %s: %v", newPath, err)
			}
		}
	}
	return true
}

// flushPending reports an unpaired rename as a delete.
func (w *Watcher) flushPending() bool {
	if w.pending == nil {
		return true
	}
	p := w.pending
	w.pending = nil
	return w.emit(Event{Op: OpDelete, Path: p.path})
}

func (w *Watcher) emit(ev Event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.done:
		return false
	}
}
