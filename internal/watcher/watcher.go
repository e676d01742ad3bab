// Package watcher observes the spell directory and reports spell file
// changes after the editor noise has settled.
//
// Raw fsnotify events arrive in bursts: editors write temp files, truncate,
// chmod and rename. The watcher collapses each burst into a single callback
// per spell file by waiting for a quiet period after the last event, and
// additionally rate-limits per-file dispatches so a hot loop of writes cannot
// starve the handler. Callbacks run on a single dispatch goroutine, so
// handlers never race with themselves.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/grimoire-sh/grimoire/internal/spell"
)

const (
	// stabilityWindow is how long a file must be event-free before its change
	// is dispatched.
	stabilityWindow = 300 * time.Millisecond

	// dispatchGap is the minimum interval between dispatches for the same
	// file. An event landing inside the gap is deferred, never dropped.
	dispatchGap = 500 * time.Millisecond
)

// Handler receives settled spell file notifications. The path is absolute and
// always has the spell file suffix. Calls are serialized.
type Handler interface {
	OnSpellAdded(ctx context.Context, path string)
	OnSpellChanged(ctx context.Context, path string)
	OnSpellRemoved(ctx context.Context, path string)
}

// event kinds flowing through the dispatch channel.
type dispatchKind int

const (
	dispatchAdded dispatchKind = iota
	dispatchChanged
	dispatchRemoved
)

type dispatch struct {
	kind dispatchKind
	path string
}

// Watcher debounces fsnotify events on one spell directory.
type Watcher struct {
	dir     string
	handler Handler
	fsw     *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	timers       map[string]*time.Timer
	lastDispatch map[string]time.Time
	known        map[string]struct{} // paths seen as existing files

	dispatchCh chan dispatch
}

// New creates a watcher over dir, notifying handler. The directory must
// exist. Call [Watcher.Start] to begin watching.
func New(dir string, handler Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watcher: watch %q: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		dir:          dir,
		handler:      handler,
		fsw:          fsw,
		ctx:          ctx,
		cancel:       cancel,
		timers:       make(map[string]*time.Timer),
		lastDispatch: make(map[string]time.Time),
		known:        make(map[string]struct{}),
		dispatchCh:   make(chan dispatch, 64),
	}

	// Seed the known set so files present at startup report "changed" rather
	// than "added" on their first edit.
	entries, err := os.ReadDir(dir)
	if err != nil {
		fsw.Close()
		cancel()
		return nil, fmt.Errorf("watcher: read %q: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !spell.IsSpellFile(e.Name()) {
			continue
		}
		w.known[filepath.Join(dir, e.Name())] = struct{}{}
	}

	return w, nil
}

// Start launches the event loop and the dispatch loop.
func (w *Watcher) Start() {
	w.wg.Add(2)
	go w.eventLoop()
	go w.dispatchLoop()
	slog.Info("watcher: watching spell directory", "dir", w.dir)
}

// Stop halts both loops and releases the fsnotify watcher. Pending debounce
// timers are discarded. Safe to call more than once.
func (w *Watcher) Stop() {
	w.cancel()
	w.fsw.Close()

	w.mu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if err != nil {
				slog.Warn("watcher: fsnotify error", "err", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !spell.IsSpellFile(filepath.Base(ev.Name)) {
		return
	}
	path := ev.Name
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.dir, filepath.Base(ev.Name))
	}

	// Rename and Remove may be the final event for a deleted file; Create,
	// Write and Chmod all signal the file (still) exists. Either way the
	// decision of added/changed/removed is made when the timer fires, from
	// the filesystem itself, so a remove-then-recreate burst settles into a
	// single correct callback.
	w.arm(path)
}

// arm schedules (or reschedules) the settle timer for path. Every event
// resets the stability window; if the previous dispatch for this path is
// fresher than the dispatch gap, the timer stretches to honor it.
func (w *Watcher) arm(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delay := stabilityWindow
	if last, ok := w.lastDispatch[path]; ok {
		if remaining := dispatchGap - time.Since(last); remaining > delay {
			delay = remaining
		}
	}

	if t, ok := w.timers[path]; ok {
		t.Reset(delay)
		return
	}
	w.timers[path] = time.AfterFunc(delay, func() { w.settle(path) })
}

// settle runs when a file's events have been quiet for the stability window.
// It inspects the filesystem to classify the outcome and queues the dispatch.
func (w *Watcher) settle(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.lastDispatch[path] = time.Now()

	_, statErr := os.Stat(path)
	exists := statErr == nil
	_, wasKnown := w.known[path]

	var d dispatch
	switch {
	case exists && wasKnown:
		d = dispatch{kind: dispatchChanged, path: path}
	case exists:
		w.known[path] = struct{}{}
		d = dispatch{kind: dispatchAdded, path: path}
	case wasKnown:
		delete(w.known, path)
		delete(w.lastDispatch, path)
		d = dispatch{kind: dispatchRemoved, path: path}
	default:
		// Created and deleted within one settle window; nothing to report.
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	select {
	case w.dispatchCh <- d:
	case <-w.ctx.Done():
	}
}

func (w *Watcher) dispatchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case d := <-w.dispatchCh:
			switch d.kind {
			case dispatchAdded:
				slog.Info("watcher: spell file added", "path", d.path)
				w.handler.OnSpellAdded(w.ctx, d.path)
			case dispatchChanged:
				slog.Info("watcher: spell file changed", "path", d.path)
				w.handler.OnSpellChanged(w.ctx, d.path)
			case dispatchRemoved:
				slog.Info("watcher: spell file removed", "path", d.path)
				w.handler.OnSpellRemoved(w.ctx, d.path)
			}
		}
	}
}
