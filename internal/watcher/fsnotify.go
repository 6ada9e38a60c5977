package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Aman-CERP/amansync/internal/config"
	"github.com/Aman-CERP/amansync/internal/gitignore"
)

// Modes reported by Watcher.Mode.
const (
	ModeFsnotify = "fsnotify"
	ModePolling  = "polling"
)

// Watcher watches a project root and emits debounced event batches.
type Watcher struct {
	root      string
	opts      Options
	debouncer *Debouncer

	mu     sync.RWMutex
	ignore *gitignore.Matcher
	mode   string
}

// New creates a watcher for root. Nothing is watched until Run.
func New(root string, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", abs)
	}

	opts = opts.WithDefaults()
	w := &Watcher{
		root:      abs,
		opts:      opts,
		debouncer: NewDebouncer(opts.DebounceWindow, opts.EventBufferSize),
	}
	w.loadIgnore()
	return w, nil
}

// Batches delivers debounced events. It is closed when Run returns.
func (w *Watcher) Batches() <-chan []FileEvent {
	return w.debouncer.Output()
}

// Mode reports which event source Run is using.
func (w *Watcher) Mode() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mode
}

// Root returns the absolute watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Run watches until ctx is done. It falls back to polling when fsnotify
// cannot be initialised.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.debouncer.Stop()

	if !w.opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			defer func() { _ = fsw.Close() }()
			if err = w.addTree(fsw, w.root); err == nil {
				w.setMode(ModeFsnotify)
				return w.runFsnotify(ctx, fsw)
			}
		}
		slog.Warn("watch_fsnotify_unavailable",
			slog.String("root", w.root),
			slog.String("error", err.Error()))
	}

	p := newPoller(w.root, w.opts.PollInterval, w.ignored)
	return p.run(ctx, func() { w.setMode(ModePolling) }, w.add)
}

func (w *Watcher) setMode(m string) {
	w.mu.Lock()
	w.mode = m
	w.mu.Unlock()
	slog.Info("watch_started", slog.String("root", w.root), slog.String("mode", m))
}

func (w *Watcher) runFsnotify(ctx context.Context, fsw *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	isDir := false
	if info, err := os.Stat(ev.Name); err == nil {
		isDir = info.IsDir()
	}
	if w.ignored(rel, isDir) {
		return
	}
	if filepath.Base(rel) == ".gitignore" {
		w.loadIgnore()
	}

	var op Operation
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
		if isDir {
			if err := w.addTree(fsw, ev.Name); err != nil {
				slog.Warn("watch_add_failed", slog.String("path", rel), slog.String("error", err.Error()))
			}
		}
	case ev.Has(fsnotify.Write):
		op = OpModify
	case ev.Has(fsnotify.Remove):
		op = OpDelete
	case ev.Has(fsnotify.Rename):
		op = OpRename
	default:
		return
	}
	w.add(FileEvent{Path: rel, Operation: op, IsDir: isDir, Timestamp: time.Now()})
}

func (w *Watcher) add(ev FileEvent) {
	w.debouncer.Add(ev)
}

// addTree watches dir and every non-ignored directory below it.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(w.root, path)
		rel = filepath.ToSlash(rel)
		if rel != "." && w.ignored(rel, true) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func (w *Watcher) ignored(rel string, isDir bool) bool {
	if rel == "." || rel == "" {
		return true
	}
	first, _, _ := strings.Cut(rel, "/")
	if first == ".git" || first == config.DataDirName {
		return true
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ignore.Match(rel, isDir)
}

// loadIgnore rebuilds the matcher from the root .gitignore and the
// configured patterns.
func (w *Watcher) loadIgnore() {
	m := gitignore.New()
	for _, p := range w.opts.IgnorePatterns {
		m.AddPattern(p)
	}
	path := filepath.Join(w.root, ".gitignore")
	if err := m.AddFromFile(path, ""); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("watch_gitignore_unreadable", slog.String("path", path), slog.String("error", err.Error()))
	}
	w.mu.Lock()
	w.ignore = m
	w.mu.Unlock()
}
