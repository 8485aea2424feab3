package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/sirupsen/logrus"
)

const defaultDebounce = 100 * time.Millisecond

type WatchOptions struct {
	// Debounce coalesces bursts of events on one path.
	Debounce time.Duration
	// Ignore skips relative paths, e.g. the reserved configuration directory.
	Ignore func(rel string) bool
	// Suppress is consulted right before a change is emitted; a true result
	// drops it. The sync engine's guard plugs in here.
	Suppress func() bool
	Clock    clockwork.Clock
	Logger   *logrus.Logger
}

type pendingChange struct {
	change Change
	timer  clockwork.Timer
}

// Watcher turns fsnotify events under root into debounced Changes.
type Watcher struct {
	root string
	opts WatchOptions
	fsw   *fsnotify.Watcher
	clock clockwork.Clock
	log   *logrus.Logger

	mu        sync.Mutex
	pending   map[string]*pendingChange
	renamed   string
	renamedAt time.Time
	handlers  []ChangeHandler
}

func NewWatcher(root string, opts WatchOptions) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	return &Watcher{
		root:    root,
		opts:    opts,
		fsw:     fsw,
		clock:   opts.Clock,
		log:     log,
		pending: make(map[string]*pendingChange),
	}, nil
}

func (w *Watcher) OnChange(handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}

	for {
		select {
		case <-ctx.Done():
			w.stopPending()
			return ctx.Err()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("Watcher error")
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = Clean(filepath.ToSlash(rel))
	if rel == "" || (w.opts.Ignore != nil && w.opts.Ignore(rel)) {
		return
	}

	isDir := false
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		isDir = true
		if ev.Has(fsnotify.Create) {
			if err := w.addRecursive(ev.Name); err != nil {
				w.log.WithError(err).WithField("path", rel).Warn("Failed to watch new directory")
			}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case ev.Has(fsnotify.Rename):
		w.renamed = rel
		w.renamedAt = w.clock.Now()
		w.schedule(Change{Kind: ChangeDelete, Path: rel})
	case ev.Has(fsnotify.Create):
		if w.renamed != "" && w.clock.Since(w.renamedAt) <= w.opts.Debounce {
			prev := w.renamed
			w.renamed = ""
			if p, ok := w.pending[prev]; ok {
				p.timer.Stop()
				delete(w.pending, prev)
			}
			w.schedule(Change{Kind: ChangeRename, Path: rel, PreviousPath: prev, IsDir: isDir})
			return
		}
		w.schedule(Change{Kind: ChangeCreate, Path: rel, IsDir: isDir})
	case ev.Has(fsnotify.Write):
		w.schedule(Change{Kind: ChangeModify, Path: rel})
	case ev.Has(fsnotify.Remove):
		w.schedule(Change{Kind: ChangeDelete, Path: rel})
	}
}

// schedule must be called with mu held. A create or rename keeps its kind
// when writes follow it inside the debounce window.
func (w *Watcher) schedule(c Change) {
	if p, ok := w.pending[c.Path]; ok {
		p.timer.Stop()
		if c.Kind == ChangeModify && (p.change.Kind == ChangeCreate || p.change.Kind == ChangeRename) {
			c = p.change
		}
	}

	path := c.Path
	p := &pendingChange{change: c}
	p.timer = w.clock.AfterFunc(w.opts.Debounce, func() { w.fire(path, p) })
	w.pending[path] = p
}

func (w *Watcher) fire(path string, p *pendingChange) {
	w.mu.Lock()
	if w.pending[path] != p {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	if w.opts.Suppress != nil && w.opts.Suppress() {
		w.log.WithField("path", path).Debug("Suppressed change applied by peer")
		return
	}
	for _, h := range handlers {
		h(p.change)
	}
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(w.root, p); err == nil && rel != "." {
			if w.opts.Ignore != nil && w.opts.Ignore(filepath.ToSlash(rel)) {
				return filepath.SkipDir
			}
		}
		return w.fsw.Add(p)
	})
}

// Watch runs a Watcher over the vault's directory and forwards changes to
// the handlers registered with OnChange.
func (v *Vault) Watch(ctx context.Context, opts WatchOptions) error {
	if v.root == "" {
		return ErrWatchUnsupported
	}
	if opts.Logger == nil {
		opts.Logger = v.log
	}
	w, err := NewWatcher(v.root, opts)
	if err != nil {
		return err
	}
	w.OnChange(v.dispatch)
	return w.Run(ctx)
}
