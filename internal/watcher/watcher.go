// Package watcher reports file changes inside the working directories of
// supervised sessions.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	maxWatchDepth   = 10
)

// ignoredDirs are never watched and changes below them are never reported.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"coverage":     true,
	".vscode":      true,
	".idea":        true,
}

// Kind is the type of a reported change.
type Kind string

const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
	KindDeleted  Kind = "deleted"
)

// Change is one debounced file change inside a session's directory.
type Change struct {
	SessionID    string
	Path         string
	RelativePath string
	Kind         Kind
}

// Callback receives debounced changes. It is called from timer goroutines.
type Callback func(Change)

// Option customizes a Watcher.
type Option func(*Watcher)

// WithDebounce sets the per-path quiet period before a change is reported.
func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }

func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

// Watcher monitors session working directories for file changes.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	callback Callback
	debounce time.Duration
	logger   *slog.Logger
}

type sessionWatcher struct {
	sessionID string
	root      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu      sync.Mutex
	pending map[string]*pendingChange
}

type pendingChange struct {
	kind  Kind
	timer *time.Timer
}

// New creates a new file system watcher.
func New(callback Callback, opts ...Option) *Watcher {
	w := &Watcher{
		watchers: make(map[string]*sessionWatcher),
		callback: callback,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "watcher")
	return w
}

// Watch starts watching root for a session. An existing watch for the same
// session is replaced.
func (w *Watcher) Watch(sessionID, root string) error {
	w.Unwatch(sessionID)

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		root:      root,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		pending:   make(map[string]*pendingChange),
	}

	if err := addDirsRecursive(fsW, root, root); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", root, err)
	}

	// A concurrent Watch for the same session may have registered first.
	w.mu.Lock()
	prev := w.watchers[sessionID]
	w.watchers[sessionID] = sw
	w.mu.Unlock()
	if prev != nil {
		w.stop(prev)
	}

	go w.watchLoop(sw)

	w.logger.Info("Watching session directory", "sessionID", sessionID, "root", root)
	return nil
}

// Watching reports whether a session currently has an active watch.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// Unwatch stops watching a session's directory. Pending changes are
// discarded.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if !ok {
		return
	}
	w.stop(sw)
	w.logger.Info("Stopped watching session directory", "sessionID", sessionID)
}

func (w *Watcher) stop(sw *sessionWatcher) {
	close(sw.cancel)
	sw.fsWatcher.Close()

	sw.mu.Lock()
	for path, p := range sw.pending {
		p.timer.Stop()
		delete(sw.pending, path)
	}
	sw.mu.Unlock()
}

// watchLoop processes fsnotify events until the session is unwatched.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	for {
		select {
		case <-sw.cancel:
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(sw, event)

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", "sessionID", sw.sessionID, "error", err)
		}
	}
}

func (w *Watcher) handleEvent(sw *sessionWatcher, event fsnotify.Event) {
	rel, err := filepath.Rel(sw.root, event.Name)
	if err != nil || rel == "." || ignored(rel) {
		return
	}

	var kind Kind
	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New directories are watched, not reported.
			if err := addDirsRecursive(sw.fsWatcher, sw.root, event.Name); err != nil {
				w.logger.Debug("Failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
		kind = KindCreated
	case event.Has(fsnotify.Write):
		kind = KindModified
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		kind = KindDeleted
	default:
		return
	}

	w.schedule(sw, Change{
		SessionID:    sw.sessionID,
		Path:         event.Name,
		RelativePath: filepath.ToSlash(rel),
		Kind:         kind,
	})
}

// schedule (re)starts the debounce timer for a path. A file created and
// then written within the window is still reported as created.
func (w *Watcher) schedule(sw *sessionWatcher, c Change) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if p, ok := sw.pending[c.Path]; ok {
		p.timer.Stop()
		if p.kind == KindCreated && c.Kind == KindModified {
			c.Kind = KindCreated
		}
	}

	p := &pendingChange{kind: c.Kind}
	p.timer = time.AfterFunc(w.debounce, func() {
		sw.mu.Lock()
		if sw.pending[c.Path] != p {
			sw.mu.Unlock()
			return
		}
		delete(sw.pending, c.Path)
		sw.mu.Unlock()

		select {
		case <-sw.cancel:
			return
		default:
		}
		if w.callback != nil {
			w.callback(c)
		}
	})
	sw.pending[c.Path] = p
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// addDirsRecursive adds dir and its subdirectories to an fsnotify watcher,
// skipping ignored directories and anything deeper than maxWatchDepth
// below root.
func addDirsRecursive(w *fsnotify.Watcher, root, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		rel, _ := filepath.Rel(root, path)
		if rel != "." {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			if strings.Count(filepath.ToSlash(rel), "/") >= maxWatchDepth {
				return filepath.SkipDir
			}
		}

		return w.Add(path)
	})
}

// ignored reports whether a path relative to the session root falls under
// an ignored directory or names an ignored file.
func ignored(rel string) bool {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, p := range parts {
		if ignoredDirs[p] {
			return true
		}
	}
	base := parts[len(parts)-1]
	return strings.HasPrefix(base, ".env") || strings.HasSuffix(base, ".pyc")
}
