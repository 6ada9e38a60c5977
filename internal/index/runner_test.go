package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amansync/internal/backup"
	"github.com/Aman-CERP/amansync/internal/config"
	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/scanner"
	"github.com/Aman-CERP/amansync/internal/store"
)

func TestRunner_FirstRun(t *testing.T) {
	// Given: five documents and an empty ledger
	ctx := context.Background()
	env := newTestEnv(t, corpus(5))

	// When: the first run completes
	report, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)

	// Then: every document is new and committed; an empty ledger always
	// starts with a full rebuild
	assert.Equal(t, StatusSuccess, report.Status)
	assert.True(t, report.FullRebuild)
	assert.Equal(t, 5, report.New)
	assert.Equal(t, 5, report.Applied)
	assert.Equal(t, 3, report.Batches)
	assert.NotEmpty(t, report.RunID)
	assert.NotEmpty(t, report.Backup)
	assert.Equal(t, []State{StateScanning, StateClassifying, StateFullRebuild, StateBatching, StateCommitting, StateDone}, report.States)
	assert.Len(t, env.ledgerIDs(t), 5)

	rec, err := env.ledger.Get(ctx, docID(0))
	require.NoError(t, err)
	assert.Equal(t, len(env.index.Chunks(docID(0))), rec.ChunkCount)
	assert.Equal(t, docID(0), rec.Extra["path"])
	assert.False(t, rec.LastIndexedAt.IsZero())
}

func TestRunner_Idempotent(t *testing.T) {
	// Given: a corpus that was synchronized once
	ctx := context.Background()
	env := newTestEnv(t, corpus(4))
	_, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)
	env.index.ResetCalls()
	backups, err := env.runner.Backups().List()
	require.NoError(t, err)

	// When: it runs again with no source changes
	report, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)

	// Then: nothing changed and the index was not called
	assert.Equal(t, StatusSuccess, report.Status)
	assert.Equal(t, 4, report.Unchanged)
	assert.Zero(t, report.New+report.Modified+report.Deleted)
	assert.Zero(t, env.remoteCalls())
	assert.Empty(t, report.Backup, "no snapshot without mutation")
	again, err := env.runner.Backups().List()
	require.NoError(t, err)
	assert.Len(t, again, len(backups))
}

func TestRunner_IdempotentWithDefaultConfig(t *testing.T) {
	// Given: default settings, which enable the post-run health check
	ctx := context.Background()
	env := newTestEnv(t, corpus(4))
	env.cfg = config.NewConfig()
	env.rebuild(t)
	_, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)
	env.index.ResetCalls()

	// When: nothing changed since the last run
	report, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)

	// Then: the index sees no calls at all
	assert.Equal(t, StatusSuccess, report.Status)
	assert.Equal(t, 4, report.Unchanged)
	for _, op := range []string{"upsert", "remove", "count", "ping"} {
		assert.Zero(t, env.index.Calls(op), op)
	}
	assert.Nil(t, report.Health)
	assert.False(t, report.Visited(StateHealthChecking))
}

func TestRunner_IncrementalChanges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, corpus(4))
	_, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)
	env.index.ResetCalls()

	// One edit, one deletion, one addition.
	env.source.set(docID(1), "edited content")
	env.source.remove(docID(2))
	env.source.set("docs/new.txt", "brand new")

	report, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, report.Status)
	assert.Equal(t, 1, report.New)
	assert.Equal(t, 1, report.Modified)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 2, report.Unchanged)
	assert.Equal(t, 2, env.index.Calls("upsert"))
	assert.Equal(t, 1, env.index.Calls("remove"))
	assert.Equal(t, []string{docID(0), docID(1), docID(3), "docs/new.txt"}, env.ledgerIDs(t))
	assert.Empty(t, env.index.Chunks(docID(2)))

	rec, err := env.ledger.Get(ctx, docID(1))
	require.NoError(t, err)
	assert.Equal(t, document(docID(1), "edited content").Checksum, rec.Checksum)
}

func TestRunner_PartialFailureIsolation(t *testing.T) {
	// Given: an index that rejects one document
	ctx := context.Background()
	env := newTestEnv(t, corpus(4))
	env.index.FailOn(docID(1), errors.New("400 bad request"))

	// When: the run completes
	report, err := env.runner.Run(ctx, JobConfig{})

	// Then: the run is partial, the failure is isolated to that id
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, report.Status)
	assert.Equal(t, []string{docID(1)}, report.FailedIDs)
	assert.Contains(t, report.Failures[docID(1)], amerrors.ErrCodeIndexOperationFailed)
	assert.False(t, report.RolledBack)
	assert.Equal(t, []string{docID(0), docID(2), docID(3)}, env.ledgerIDs(t))

	// And: the next run retries only the failed id
	env.index.FailOn(docID(1), nil)
	env.index.ResetCalls()
	report, err = env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Status)
	assert.Equal(t, 1, report.New)
	assert.Equal(t, 1, env.index.Calls("upsert"))
	assert.Len(t, env.ledgerIDs(t), 4)
}

func TestRunner_EveryIDFailed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, corpus(2))
	env.index.FailOn(docID(0), errors.New("bad"))
	env.index.FailOn(docID(1), errors.New("bad"))

	report, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Empty(t, env.ledgerIDs(t))
}

func TestRunner_RollbackIsByteForByte(t *testing.T) {
	// Given: a synchronized corpus
	ctx := context.Background()
	env := newTestEnv(t, corpus(2))
	_, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)
	before, err := env.ledger.All(ctx)
	require.NoError(t, err)

	// And: four new documents and an index that becomes unreachable
	// after the first batch
	for i := 2; i < 6; i++ {
		env.source.set(docID(i), "late addition")
	}
	var mu sync.Mutex
	upserts := 0
	env.index.OnCall(func(op, _ string) {
		mu.Lock()
		defer mu.Unlock()
		if op == "upsert" {
			upserts++
			if upserts == 2 {
				env.index.SetUnreachable(true)
			}
		}
	})

	// When: the run hits the outage in its second batch
	report, err := env.runner.Run(ctx, JobConfig{})

	// Then: the run aborted and the ledger was restored
	require.Error(t, err)
	assert.ErrorIs(t, err, amerrors.ErrIndexUnreachable)
	assert.Equal(t, StatusFailed, report.Status)
	assert.True(t, report.RolledBack)
	assert.True(t, report.Visited(StateAborted))
	assert.True(t, report.Visited(StateRollingBack))
	assert.False(t, report.Visited(StateDone))

	snap, err := env.runner.Backups().Find(report.Backup)
	require.NoError(t, err)
	want, err := os.ReadFile(snap.Path)
	require.NoError(t, err)
	got, err := os.ReadFile(env.ledger.Path())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	after, err := env.ledger.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRunner_UnreachableOnFirstBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, corpus(3))
	env.index.SetUnreachable(true)

	report, err := env.runner.Run(ctx, JobConfig{})

	require.Error(t, err)
	assert.ErrorIs(t, err, amerrors.ErrIndexUnreachable)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, []string{docID(0), docID(1)}, report.FailedIDs)
	assert.Equal(t, 2, env.index.Calls("upsert"), "the second batch never starts")
	assert.True(t, report.RolledBack)
	assert.Empty(t, env.ledgerIDs(t))
}

func TestRunner_DryRunIsPure(t *testing.T) {
	// Given: a synchronized corpus with pending changes
	ctx := context.Background()
	env := newTestEnv(t, corpus(3))
	_, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)
	require.NoError(t, env.ledger.Checkpoint(ctx))
	env.source.set(docID(0), "changed")
	env.source.set("docs/extra.txt", "new")
	env.index.ResetCalls()
	backups, err := env.runner.Backups().List()
	require.NoError(t, err)
	before, err := os.ReadFile(env.ledger.Path())
	require.NoError(t, err)

	// When: a dry run executes
	report, err := env.runner.Run(ctx, JobConfig{DryRun: true})
	require.NoError(t, err)

	// Then: the summary is reported without touching anything
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.New)
	assert.Equal(t, 1, report.Modified)
	assert.Zero(t, env.remoteCalls())
	assert.Zero(t, env.index.Calls("count")+env.index.Calls("ping"))
	after, err := os.ReadFile(env.ledger.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	again, err := env.runner.Backups().List()
	require.NoError(t, err)
	assert.Len(t, again, len(backups))

	cs, err := env.runner.DryRun(ctx, JobConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/extra.txt"}, cs.New)
	assert.Equal(t, []string{docID(0)}, cs.Modified)
}

func TestRunner_ForceFullRebuild(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, corpus(3))
	_, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)
	env.index.ResetCalls()

	report, err := env.runner.Run(ctx, JobConfig{ForceFullRebuild: true})
	require.NoError(t, err)

	assert.True(t, report.FullRebuild)
	assert.True(t, report.Visited(StateFullRebuild))
	assert.Equal(t, 3, report.New)
	assert.Equal(t, 3, env.index.Calls("remove"))
	assert.Equal(t, 3, env.index.Calls("upsert"))
	assert.Len(t, env.ledgerIDs(t), 3)
}

func TestRunner_ScanFailureAborts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, corpus(2))
	env.source.err = amerrors.ScanError("mem", errors.New("root missing"))

	report, err := env.runner.Run(ctx, JobConfig{})

	require.Error(t, err)
	assert.ErrorIs(t, err, amerrors.ErrScan)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, []State{StateScanning, StateAborted}, report.States)
	assert.False(t, report.RolledBack)
	assert.Zero(t, env.remoteCalls())
	backups, err := env.runner.Backups().List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRunner_LockHeld(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, corpus(1))
	lock := backup.NewFileLock(filepath.Join(env.dataDir, LockFileName))
	ok, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = lock.Unlock() }()

	report, err := env.runner.Run(ctx, JobConfig{})

	assert.ErrorIs(t, err, amerrors.ErrLockHeld)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Empty(t, env.ledgerIDs(t))
}

func TestRunner_DeadlineAborts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, corpus(4))
	env.cfg.Sync.InterBatchDelay = time.Hour
	env.cfg.Sync.Timeout = 50 * time.Millisecond
	env.rebuild(t)

	report, err := env.runner.Run(ctx, JobConfig{})

	require.Error(t, err)
	assert.Equal(t, StatusFailed, report.Status)
	assert.True(t, report.RolledBack, "the first batch was committed before the deadline")
	assert.Empty(t, env.ledgerIDs(t))
}

func TestRunner_DeadlineFinishesInFlightBatch(t *testing.T) {
	// Given: a deadline that expires while the first upsert of a
	// two-id batch is still running
	ctx := context.Background()
	env := newTestEnv(t, corpus(4))
	env.cfg.Sync.Timeout = 100 * time.Millisecond
	env.rebuild(t)
	var once sync.Once
	env.index.OnCall(func(op, _ string) {
		once.Do(func() { time.Sleep(250 * time.Millisecond) })
	})

	// When: the run starts
	report, err := env.runner.Run(ctx, JobConfig{})

	// Then: both ids of the first batch reach the index, no id fails, and
	// the run aborts before the second batch
	require.Error(t, err)
	assert.Equal(t, 2, env.index.Calls("upsert"))
	assert.Empty(t, report.FailedIDs)
	assert.Equal(t, StatusFailed, report.Status)
	assert.True(t, report.RolledBack)
	assert.Empty(t, env.ledgerIDs(t))
}

func TestRunner_CommitSkipsUpsertWithoutDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	res := &BatchResult{
		Batch:   Batch{Op: OpUpsert, IDs: []string{"ghost.txt"}},
		Results: []OpResult{{ID: "ghost.txt", Op: OpUpsert, ChunkCount: 1}},
	}

	applied, err := env.runner.commit(context.Background(), res, map[string]*scanner.Document{})

	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Empty(t, env.ledgerIDs(t))
}

func TestRunner_PostHealthCheckAndPrune(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, corpus(2))
	env.cfg.Sync.PostHealthCheck = true
	env.cfg.Backup.Retention = 2
	env.rebuild(t)

	var report *RunReport
	for i := 0; i < 4; i++ {
		env.source.set(docID(0), "revision "+string(rune('a'+i)))
		var err error
		report, err = env.runner.Run(ctx, JobConfig{})
		require.NoError(t, err)
	}

	require.NotNil(t, report.Health)
	assert.Equal(t, HealthHealthy, report.Health.Status)
	assert.True(t, report.Visited(StateHealthChecking))
	backups, err := env.runner.Backups().List()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

type recordingObserver struct {
	mu      sync.Mutex
	reports []*RunReport
}

func (o *recordingObserver) RunCompleted(_ context.Context, r *RunReport) {
	o.mu.Lock()
	o.reports = append(o.reports, r)
	o.mu.Unlock()
}

func TestRunner_NotifiesObservers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, corpus(1))
	obs := &recordingObserver{}
	env.rebuild(t, obs)

	_, err := env.runner.Run(ctx, JobConfig{})
	require.NoError(t, err)
	env.source.err = errors.New("gone")
	_, err = env.runner.Run(ctx, JobConfig{})
	require.Error(t, err)

	require.Len(t, obs.reports, 2)
	assert.Equal(t, StatusSuccess, obs.reports[0].Status)
	assert.Equal(t, StatusFailed, obs.reports[1].Status)
	assert.NotEmpty(t, obs.reports[1].Error)
}

func TestNewRunner_RequiresDependencies(t *testing.T) {
	_, err := NewRunner(Dependencies{})
	assert.Error(t, err)
	_, err = NewRunner(Dependencies{Config: testConfig()})
	assert.Error(t, err)
	_, err = NewRunner(Dependencies{Config: testConfig(), Ledger: &store.Ledger{}})
	assert.Error(t, err)
}
