package watcher

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/gitignore"
	"github.com/Aman-CERP/amansync/internal/scheduler"
)

// Jobs is the part of the scheduler the trigger needs.
type Jobs interface {
	List() []*scheduler.Job
	RunNow(id string) error
}

// Trigger runs every job whose source covers a changed path.
type Trigger struct {
	root          string
	defaultSource string
	jobs          Jobs
}

// NewTrigger creates a trigger. Event paths are relative to root; jobs
// without a source path use defaultSource.
func NewTrigger(root, defaultSource string, jobs Jobs) *Trigger {
	return &Trigger{root: root, defaultSource: defaultSource, jobs: jobs}
}

// Run dispatches batches until the channel closes or ctx is done.
func (t *Trigger) Run(ctx context.Context, batches <-chan []FileEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			t.Dispatch(batch)
		}
	}
}

// Dispatch triggers the jobs affected by batch and returns their ids.
// One-time jobs are never triggered by file changes.
func (t *Trigger) Dispatch(batch []FileEvent) []string {
	var fired []string
	for _, job := range t.jobs.List() {
		if job.Trigger.Kind == scheduler.KindAt || !t.covers(job, batch) {
			continue
		}
		err := t.jobs.RunNow(job.ID)
		switch {
		case err == nil:
			fired = append(fired, job.ID)
			slog.Info("watch_job_triggered",
				slog.String("job_id", job.ID),
				slog.Int("changes", len(batch)))
		case errors.Is(err, amerrors.ErrJobRunning):
			slog.Debug("watch_job_busy", slog.String("job_id", job.ID))
		default:
			slog.Warn("watch_trigger_failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		}
	}
	return fired
}

func (t *Trigger) covers(job *scheduler.Job, batch []FileEvent) bool {
	dir, ok := t.sourceDir(job.Config.SourcePath)
	if !ok {
		return false
	}
	var glob *gitignore.Glob
	if job.Config.Pattern != "" {
		g, err := gitignore.CompileGlob(job.Config.Pattern)
		if err != nil {
			return false
		}
		glob = g
	}

	for _, ev := range batch {
		rel, ok := within(dir, ev.Path)
		if !ok {
			continue
		}
		// Directory events and deletions can affect any document below.
		if glob == nil || ev.IsDir || ev.Operation == OpDelete || ev.Operation == OpRename || glob.Match(rel) {
			return true
		}
	}
	return false
}

// sourceDir returns the job's source directory relative to the root, or
// false when it lies outside the root or is a URL.
func (t *Trigger) sourceDir(src string) (string, bool) {
	if src == "" {
		src = t.defaultSource
	}
	if src == "" {
		return ".", true
	}
	if strings.Contains(src, "://") {
		return "", false
	}
	if !filepath.IsAbs(src) {
		src = filepath.Join(t.root, src)
	}
	rel, err := filepath.Rel(t.root, src)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// within reports whether path is inside dir and returns it relative to dir.
func within(dir, path string) (string, bool) {
	if dir == "." {
		return path, true
	}
	if path == dir {
		return "", true
	}
	if rest, ok := strings.CutPrefix(path, dir+"/"); ok {
		return rest, true
	}
	return "", false
}
