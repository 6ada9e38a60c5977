package watcher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/scheduler"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs []*scheduler.Job
	busy map[string]bool
	ran  []string
}

func (f *fakeJobs) List() []*scheduler.Job {
	return f.jobs
}

func (f *fakeJobs) RunNow(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[id] {
		return amerrors.New(amerrors.ErrCodeJobRunning, "busy", nil)
	}
	f.ran = append(f.ran, id)
	return nil
}

func job(id, source, pattern string, kind scheduler.TriggerKind) *scheduler.Job {
	return &scheduler.Job{
		ID:      id,
		Trigger: scheduler.Trigger{Kind: kind},
		Config:  index.JobConfig{SourcePath: source, Pattern: pattern},
	}
}

func TestTrigger_Dispatch(t *testing.T) {
	root := t.TempDir()
	jobs := []*scheduler.Job{
		job("all", "", "", scheduler.KindInterval),
		job("docs", "docs", "", scheduler.KindCron),
		job("docs-md", "docs", "**/*.md", scheduler.KindCron),
		job("notes", "notes", "", scheduler.KindCron),
		job("once", "", "", scheduler.KindAt),
		job("remote", "https://example.com/page", "", scheduler.KindCron),
		job("outside", "../elsewhere", "", scheduler.KindCron),
	}

	tests := []struct {
		name  string
		batch []FileEvent
		want  []string
	}{
		{
			name:  "markdown under docs",
			batch: []FileEvent{{Path: "docs/guide/intro.md", Operation: OpModify}},
			want:  []string{"all", "docs", "docs-md"},
		},
		{
			name:  "text under docs skips the markdown job",
			batch: []FileEvent{{Path: "docs/readme.txt", Operation: OpCreate}},
			want:  []string{"all", "docs"},
		},
		{
			name:  "deletion reaches pattern jobs",
			batch: []FileEvent{{Path: "docs/old.txt", Operation: OpDelete}},
			want:  []string{"all", "docs", "docs-md"},
		},
		{
			name:  "prefix is not containment",
			batch: []FileEvent{{Path: "docsets/a.md", Operation: OpModify}},
			want:  []string{"all"},
		},
		{
			name:  "two directories",
			batch: []FileEvent{{Path: "notes/x.md", Operation: OpModify}, {Path: "docs/y.md", Operation: OpModify}},
			want:  []string{"all", "docs", "docs-md", "notes"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeJobs{jobs: jobs}
			tr := NewTrigger(root, ".", f)

			got := tr.Dispatch(tt.batch)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, f.ran)
		})
	}
}

func TestTrigger_BusyJobIsNotReported(t *testing.T) {
	f := &fakeJobs{
		jobs: []*scheduler.Job{job("a", "", "", scheduler.KindInterval), job("b", "", "", scheduler.KindInterval)},
		busy: map[string]bool{"a": true},
	}
	tr := NewTrigger(t.TempDir(), "", f)

	got := tr.Dispatch([]FileEvent{{Path: "x.md", Operation: OpModify}})

	assert.Equal(t, []string{"b"}, got)
}
