// Package integration runs the sync pipeline end to end against real
// ledgers and local index backends.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amansync/internal/config"
	"github.com/Aman-CERP/amansync/internal/embed"
	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/scheduler"
	"github.com/Aman-CERP/amansync/internal/store"
	"github.com/Aman-CERP/amansync/internal/watcher"
)

type project struct {
	root    string
	dataDir string
	cfg     *config.Config
}

func newProject(t *testing.T, backend string) *project {
	t.Helper()
	root := t.TempDir()
	cfg := config.NewConfig()
	cfg.Source.Path = "docs"
	cfg.Source.Pattern = "**/*.md"
	cfg.Index.Backend = backend
	cfg.Embeddings.Dimensions = 32
	cfg.Sync.BatchSize = 2
	cfg.Health.SampleSize = 0

	p := &project{root: root, dataDir: config.DataDir(root), cfg: cfg}
	p.write(t, "a.md", "# A\n\nAlpha.\n")
	p.write(t, "b.md", "# B\n\nBravo.\n")
	p.write(t, "c.md", "# C\n\nCharlie.\n")
	return p
}

func (p *project) write(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(p.root, "docs", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// open wires a runner the way the CLI does. Everything is closed when
// the returned func is called.
func (p *project) open(t *testing.T) (*index.Runner, *store.Ledger, func()) {
	t.Helper()
	ctx := context.Background()

	ledger, err := store.OpenLedger(ctx, filepath.Join(p.dataDir, store.LedgerFileName))
	require.NoError(t, err)
	emb, err := embed.New(p.cfg.Embeddings)
	require.NoError(t, err)
	backend, err := store.OpenIndex(ctx, p.cfg.Index, p.dataDir, emb)
	require.NoError(t, err)

	runner, err := index.NewRunner(index.Dependencies{
		Config:  p.cfg,
		Root:    p.root,
		DataDir: p.dataDir,
		Ledger:  ledger,
		Index:   backend,
	})
	require.NoError(t, err)

	return runner, ledger, func() {
		assert.NoError(t, backend.Close())
		assert.NoError(t, emb.Close())
		assert.NoError(t, ledger.Close())
	}
}

func TestSync_PersistsAcrossRestarts(t *testing.T) {
	for _, backend := range []string{"hnsw", "bleve"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			p := newProject(t, backend)

			// Given: a first run in one process
			runner, _, closeAll := p.open(t)
			report, err := runner.Run(ctx, index.JobConfig{})
			require.NoError(t, err)
			require.Equal(t, index.StatusSuccess, report.Status)
			closeAll()

			// When: a second process edits one document and syncs again
			p.write(t, "b.md", "# B\n\nBravo, revised.\n")
			runner, ledger, closeAll := p.open(t)
			defer closeAll()
			report, err = runner.Run(ctx, index.JobConfig{})
			require.NoError(t, err)

			// Then: only the edit is applied and the reopened index agrees
			// with the ledger
			assert.Equal(t, index.StatusSuccess, report.Status)
			assert.Equal(t, 0, report.New)
			assert.Equal(t, 1, report.Modified)
			assert.Equal(t, 2, report.Unchanged)

			n, err := ledger.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			health, err := runner.Health().Check(ctx)
			require.NoError(t, err)
			for _, c := range health.Checks {
				assert.NotEqual(t, index.CheckFail, c.Status, "%s: %s", c.Name, c.Message)
			}

			// And: a third run is a no-op
			report, err = runner.Run(ctx, index.JobConfig{})
			require.NoError(t, err)
			assert.Equal(t, 0, report.New+report.Modified+report.Deleted)
			assert.Equal(t, 0, report.Batches)
		})
	}
}

func TestWatcher_FileChangeRunsCoveringJob(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Given: a running scheduler with a job over docs/ and a watcher
	// feeding the trigger
	p := newProject(t, "hnsw")
	runner, ledger, closeAll := p.open(t)
	defer closeAll()

	sched, err := scheduler.New(ctx, p.cfg.Scheduler, runner)
	require.NoError(t, err)
	job, err := sched.AddIntervalJob(ctx, "docs", time.Hour, index.JobConfig{SourcePath: "docs"})
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	defer sched.Stop()

	w, err := watcher.New(p.root, watcher.Options{DebounceWindow: 100 * time.Millisecond})
	require.NoError(t, err)
	trigger := watcher.NewTrigger(p.root, p.cfg.Source.Path, sched)
	go func() { _ = w.Run(ctx) }()
	go trigger.Run(ctx, w.Batches())
	require.Eventually(t, func() bool { return w.Mode() != "" }, 5*time.Second, 20*time.Millisecond)

	// When: a document appears under docs/
	p.write(t, "d.md", "# D\n\nDelta.\n")

	// Then: the job runs and the ledger holds every document
	require.Eventually(t, func() bool {
		j, err := sched.Get(job.ID)
		return err == nil && j.Stats.Successes >= 1
	}, 15*time.Second, 50*time.Millisecond)

	rec, err := ledger.Get(ctx, "d.md")
	require.NoError(t, err)
	require.NotNil(t, rec)
	n, err := ledger.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
