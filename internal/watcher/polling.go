package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"
)

type fileState struct {
	modTime time.Time
	size    int64
	isDir   bool
}

// poller detects changes by comparing directory snapshots.
type poller struct {
	root     string
	interval time.Duration
	skip     func(rel string, isDir bool) bool
	state    map[string]fileState
}

func newPoller(root string, interval time.Duration, skip func(string, bool) bool) *poller {
	return &poller{root: root, interval: interval, skip: skip}
}

// run snapshots the tree, calls ready, then reports differences every
// interval until ctx is done.
func (p *poller) run(ctx context.Context, ready func(), emit func(FileEvent)) error {
	state, err := p.snapshot()
	if err != nil {
		return fmt.Errorf("initial scan of %s: %w", p.root, err)
	}
	p.state = state
	ready()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.poll(emit); err != nil {
				return err
			}
		}
	}
}

func (p *poller) poll(emit func(FileEvent)) error {
	current, err := p.snapshot()
	if err != nil {
		return fmt.Errorf("scan %s: %w", p.root, err)
	}
	now := time.Now()
	for rel, cur := range current {
		prev, ok := p.state[rel]
		switch {
		case !ok:
			emit(FileEvent{Path: rel, Operation: OpCreate, IsDir: cur.isDir, Timestamp: now})
		case !cur.isDir && (!prev.modTime.Equal(cur.modTime) || prev.size != cur.size):
			emit(FileEvent{Path: rel, Operation: OpModify, Timestamp: now})
		}
	}
	for rel, prev := range p.state {
		if _, ok := current[rel]; !ok {
			emit(FileEvent{Path: rel, Operation: OpDelete, IsDir: prev.isDir, Timestamp: now})
		}
	}
	p.state = current
	return nil
}

func (p *poller) snapshot() (map[string]fileState, error) {
	out := make(map[string]fileState)
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == p.root {
				return err
			}
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if p.skip(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out[rel] = fileState{modTime: info.ModTime(), size: info.Size(), isDir: d.IsDir()}
		return nil
	})
	return out, err
}
