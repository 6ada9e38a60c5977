package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amansync/internal/config"
	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/logging"
	"github.com/Aman-CERP/amansync/internal/store"
)

const waitFor = 2 * time.Second

// fakeRunner records calls and can block, fail or panic on demand.
type fakeRunner struct {
	mu         sync.Mutex
	calls      int
	running    int
	maxRunning int
	jobIDs     []string
	block      chan struct{}
	err        error
	panicMsg   string
	started    chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan string, 64)}
}

func (f *fakeRunner) Run(ctx context.Context, jc index.JobConfig) (*index.RunReport, error) {
	f.mu.Lock()
	f.calls++
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	f.jobIDs = append(f.jobIDs, logging.JobID(ctx))
	block, err, panicMsg := f.block, f.err, f.panicMsg
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	select {
	case f.started <- logging.JobID(ctx):
	default:
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &index.RunReport{Status: index.StatusFailed}, amerrors.IndexUnreachable(ctx.Err())
		}
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	if err != nil {
		return &index.RunReport{Status: index.StatusFailed, Error: err.Error()}, err
	}
	return &index.RunReport{
		RunID:  "run",
		JobID:  logging.JobID(ctx),
		Status: index.StatusSuccess,
		New:    jc.BatchSize,
	}, nil
}

func (f *fakeRunner) set(fn func(f *fakeRunner)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRunner) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

func (f *fakeRunner) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.started:
		return id
	case <-time.After(waitFor):
		t.Fatal("run did not start")
		return ""
	}
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Workers:      2,
		Coalesce:     CoalesceSkip,
		MisfireGrace: 5 * time.Minute,
	}
}

func newTestScheduler(t *testing.T, cfg config.SchedulerConfig, r Runner, js *store.JobStore) *Scheduler {
	t.Helper()
	var opts []Option
	if js != nil {
		opts = append(opts, WithStore(js))
	}
	s, err := New(context.Background(), cfg, r, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func newJobStore(t *testing.T) *store.JobStore {
	t.Helper()
	js, err := store.OpenJobStore(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = js.Close() })
	return js
}

func waitStats(t *testing.T, s *Scheduler, id string, cond func(Stats) bool) Stats {
	t.Helper()
	var st Stats
	require.Eventually(t, func() bool {
		var err error
		st, err = s.Stats(id)
		return err == nil && cond(st)
	}, waitFor, 5*time.Millisecond)
	return st
}

func TestScheduler_AddListGetRemove(t *testing.T) {
	// Given: a scheduler backed by a job store
	ctx := context.Background()
	js := newJobStore(t)
	s := newTestScheduler(t, testSchedulerConfig(), newFakeRunner(), js)

	// When: jobs of each kind are added
	cronJob, err := s.AddCronJob(ctx, "nightly", "0 2 * * *", index.JobConfig{SourcePath: "docs"})
	require.NoError(t, err)
	every, err := s.AddIntervalJob(ctx, "", time.Hour, index.JobConfig{})
	require.NoError(t, err)
	once, err := s.AddOneTimeJob(ctx, "once", time.Now().Add(time.Hour), index.JobConfig{DryRun: true})
	require.NoError(t, err)

	// Then: they are listed in creation order and persisted
	jobs := s.List()
	require.Len(t, jobs, 3)
	assert.Equal(t, cronJob.ID, jobs[0].ID)
	assert.Equal(t, "nightly", jobs[0].Name)
	assert.Equal(t, every.ID[:8], every.Name, "unnamed jobs take the id prefix")
	assert.Equal(t, KindAt, jobs[2].Trigger.Kind)

	got, err := s.Get(cronJob.ID)
	require.NoError(t, err)
	assert.Equal(t, "docs", got.Config.SourcePath)

	recs, err := js.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	// And: removal deletes from memory and the store
	require.NoError(t, s.Remove(ctx, once.ID))
	_, err = s.Get(once.ID)
	assert.ErrorIs(t, err, amerrors.ErrJobNotFound)
	assert.ErrorIs(t, s.Remove(ctx, once.ID), amerrors.ErrJobNotFound)
	recs, err = js.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestScheduler_RejectsInvalidTriggers(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testSchedulerConfig(), newFakeRunner(), nil)

	_, err := s.AddCronJob(ctx, "bad", "not a cron", index.JobConfig{})
	assert.Equal(t, amerrors.ErrCodeInvalidJob, amerrors.GetCode(err))
	_, err = s.AddIntervalJob(ctx, "bad", 0, index.JobConfig{})
	assert.Equal(t, amerrors.ErrCodeInvalidJob, amerrors.GetCode(err))
	_, err = s.AddOneTimeJob(ctx, "bad", time.Time{}, index.JobConfig{})
	assert.Equal(t, amerrors.ErrCodeInvalidJob, amerrors.GetCode(err))
	assert.Empty(t, s.List())
}

func TestScheduler_RejectsPastOneTimeJob(t *testing.T) {
	// Given: a running scheduler
	ctx := context.Background()
	r := newFakeRunner()
	s := newTestScheduler(t, testSchedulerConfig(), r, nil)
	require.NoError(t, s.Start(ctx))

	// When: a one-time job is added for an instant already gone
	_, err := s.AddOneTimeJob(ctx, "late", time.Now().Add(-time.Second), index.JobConfig{})

	// Then: it is rejected instead of lingering without a next run
	assert.Equal(t, amerrors.ErrCodeInvalidJob, amerrors.GetCode(err))
	assert.Empty(t, s.List())
	assert.Zero(t, r.callCount())
}

func TestScheduler_PauseStopsNewRuns(t *testing.T) {
	// Given: a started scheduler with a frequently firing job
	ctx := context.Background()
	r := newFakeRunner()
	s := newTestScheduler(t, testSchedulerConfig(), r, nil)
	require.NoError(t, s.Start(ctx))
	job, err := s.AddIntervalJob(ctx, "fast", 20*time.Millisecond, index.JobConfig{})
	require.NoError(t, err)
	r.waitStarted(t)
	require.Eventually(t, func() bool {
		got, err := s.Get(job.ID)
		return err == nil && !got.Running
	}, waitFor, 5*time.Millisecond)

	// When: the scheduler is paused
	s.Pause()
	calls := r.callCount()

	// Then: neither the schedule nor manual triggers start a run
	assert.Error(t, s.RunNow(job.ID))
	_, err = s.Execute(ctx, job.ID)
	assert.Error(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, r.callCount())
}

func TestScheduler_RunNowRecordsResult(t *testing.T) {
	ctx := context.Background()
	r := newFakeRunner()
	s := newTestScheduler(t, testSchedulerConfig(), r, nil)
	job, err := s.AddIntervalJob(ctx, "j", time.Hour, index.JobConfig{BatchSize: 7})
	require.NoError(t, err)

	require.NoError(t, s.RunNow(job.ID))

	st := waitStats(t, s, job.ID, func(st Stats) bool { return st.Runs == 1 })
	assert.Equal(t, 1, st.Successes)
	assert.Zero(t, st.Failures)
	assert.False(t, st.LastRunAt.IsZero())
	assert.False(t, st.LastSuccessAt.IsZero())

	got, err := s.Get(job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastResult)
	assert.Equal(t, job.ID, got.LastResult.JobID, "the job id reaches the run through the context")
	assert.Equal(t, 7, got.LastResult.New)
	assert.ErrorIs(t, s.RunNow("missing"), amerrors.ErrJobNotFound)
}

func TestScheduler_SingleFlightSkip(t *testing.T) {
	// Given: a job whose run blocks
	ctx := context.Background()
	r := newFakeRunner()
	r.block = make(chan struct{})
	s := newTestScheduler(t, testSchedulerConfig(), r, nil)
	job, err := s.AddIntervalJob(ctx, "j", time.Hour, index.JobConfig{})
	require.NoError(t, err)

	require.NoError(t, s.RunNow(job.ID))
	r.waitStarted(t)

	// When: it is triggered again while running
	err = s.RunNow(job.ID)
	_, execErr := s.Execute(ctx, job.ID)

	// Then: both are rejected; the pool trigger counts as skipped
	assert.ErrorIs(t, err, amerrors.ErrJobRunning)
	assert.ErrorIs(t, execErr, amerrors.ErrJobRunning)
	got, err := s.Get(job.ID)
	require.NoError(t, err)
	assert.True(t, got.Running)

	close(r.block)
	st := waitStats(t, s, job.ID, func(st Stats) bool { return st.Runs == 1 })
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, 1, r.callCount())
	assert.Equal(t, 1, r.peak())
}

func TestScheduler_SingleFlightQueue(t *testing.T) {
	// Given: the queue policy and a blocked run
	ctx := context.Background()
	cfg := testSchedulerConfig()
	cfg.Coalesce = CoalesceQueue
	r := newFakeRunner()
	r.block = make(chan struct{})
	s := newTestScheduler(t, cfg, r, nil)
	job, err := s.AddIntervalJob(ctx, "j", time.Hour, index.JobConfig{})
	require.NoError(t, err)

	require.NoError(t, s.RunNow(job.ID))
	r.waitStarted(t)

	// When: three more triggers arrive while it runs
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RunNow(job.ID))
	}
	close(r.block)

	// Then: they coalesce into exactly one re-run
	st := waitStats(t, s, job.ID, func(st Stats) bool { return st.Runs == 2 })
	assert.Equal(t, 2, st.Successes)
	assert.Zero(t, st.Skipped)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, r.callCount())
	assert.Equal(t, 1, r.peak())
}

func TestScheduler_BodyFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fakeRunner)
		contains string
	}{
		{
			name:     "error",
			setup:    func(f *fakeRunner) { f.err = amerrors.IndexUnreachable(errors.New("connection refused")) },
			contains: amerrors.ErrCodeIndexUnreachable,
		},
		{
			name:     "panic",
			setup:    func(f *fakeRunner) { f.panicMsg = "boom" },
			contains: "panic: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r := newFakeRunner()
			r.set(tt.setup)
			s := newTestScheduler(t, testSchedulerConfig(), r, nil)
			job, err := s.AddIntervalJob(ctx, "j", time.Hour, index.JobConfig{})
			require.NoError(t, err)

			require.NoError(t, s.RunNow(job.ID))
			st := waitStats(t, s, job.ID, func(st Stats) bool { return st.Failures == 1 })
			assert.Zero(t, st.Successes)
			assert.Contains(t, st.LastError, amerrors.ErrCodeJobExecution)
			assert.Contains(t, st.LastError, tt.contains)
			assert.False(t, st.LastFailureAt.IsZero())

			// The scheduler keeps working after a failed body.
			r.set(func(f *fakeRunner) { f.err, f.panicMsg = nil, "" })
			require.NoError(t, s.RunNow(job.ID))
			st = waitStats(t, s, job.ID, func(st Stats) bool { return st.Successes == 1 })
			assert.Empty(t, st.LastError)
		})
	}
}

func TestScheduler_ExecuteReturnsReport(t *testing.T) {
	ctx := context.Background()
	r := newFakeRunner()
	r.err = amerrors.ScanError("docs", errors.New("missing"))
	s := newTestScheduler(t, testSchedulerConfig(), r, nil)
	job, err := s.AddIntervalJob(ctx, "j", time.Hour, index.JobConfig{})
	require.NoError(t, err)

	report, err := s.Execute(ctx, job.ID)

	require.Error(t, err)
	assert.ErrorIs(t, err, amerrors.ErrJobExecution)
	assert.ErrorIs(t, err, amerrors.ErrScan)
	require.NotNil(t, report)
	assert.Equal(t, index.StatusFailed, report.Status)
	st, err := s.Stats(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failures)
}

func TestScheduler_WorkerPoolBound(t *testing.T) {
	// Given: one worker and two blocking jobs
	ctx := context.Background()
	cfg := testSchedulerConfig()
	cfg.Workers = 1
	r := newFakeRunner()
	r.block = make(chan struct{})
	s := newTestScheduler(t, cfg, r, nil)
	a, err := s.AddIntervalJob(ctx, "a", time.Hour, index.JobConfig{})
	require.NoError(t, err)
	b, err := s.AddIntervalJob(ctx, "b", time.Hour, index.JobConfig{})
	require.NoError(t, err)

	// When: both are triggered
	require.NoError(t, s.RunNow(a.ID))
	require.NoError(t, s.RunNow(b.ID))
	r.waitStarted(t)
	time.Sleep(50 * time.Millisecond)

	// Then: only one body runs at a time
	assert.Equal(t, 1, r.callCount())
	close(r.block)
	waitStats(t, s, a.ID, func(st Stats) bool { return st.Runs == 1 })
	waitStats(t, s, b.ID, func(st Stats) bool { return st.Runs == 1 })
	assert.Equal(t, 1, r.peak())
}

func TestScheduler_IntervalFires(t *testing.T) {
	ctx := context.Background()
	r := newFakeRunner()
	s := newTestScheduler(t, testSchedulerConfig(), r, nil)
	require.NoError(t, s.Start(ctx))

	job, err := s.AddIntervalJob(ctx, "fast", 20*time.Millisecond, index.JobConfig{})
	require.NoError(t, err)

	waitStats(t, s, job.ID, func(st Stats) bool { return st.Runs >= 2 })
	got, err := s.Get(job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
}

func TestScheduler_OneTimeJobRemovedAfterFiring(t *testing.T) {
	// Given: a running scheduler with a persisted one-time job
	ctx := context.Background()
	js := newJobStore(t)
	r := newFakeRunner()
	s := newTestScheduler(t, testSchedulerConfig(), r, js)
	require.NoError(t, s.Start(ctx))

	job, err := s.AddOneTimeJob(ctx, "once", time.Now().Add(20*time.Millisecond), index.JobConfig{})
	require.NoError(t, err)

	// When: its instant passes
	assert.Equal(t, job.ID, r.waitStarted(t))

	// Then: it ran once and is gone from memory and the store
	require.Eventually(t, func() bool {
		_, err := s.Get(job.ID)
		return errors.Is(err, amerrors.ErrJobNotFound)
	}, waitFor, 5*time.Millisecond)
	recs, err := js.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 1, r.callCount())
}

func TestScheduler_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	js := newJobStore(t)
	r := newFakeRunner()
	first := newTestScheduler(t, testSchedulerConfig(), r, js)
	job, err := first.AddCronJob(ctx, "nightly", "@daily", index.JobConfig{Pattern: "**/*.md"})
	require.NoError(t, err)
	_, err = first.Execute(ctx, job.ID)
	require.NoError(t, err)
	first.Stop()

	second := newTestScheduler(t, testSchedulerConfig(), r, js)
	got, err := second.Get(job.ID)
	require.NoError(t, err)

	assert.Equal(t, "nightly", got.Name)
	assert.Equal(t, "@daily", got.Trigger.Cron)
	assert.Equal(t, "**/*.md", got.Config.Pattern)
	assert.Equal(t, 1, got.Stats.Runs)
	require.NotNil(t, got.LastResult)
	assert.Equal(t, index.StatusSuccess, got.LastResult.Status)
}

// seedJob stores a job as if a previous process had created and run it.
func seedJob(t *testing.T, js *store.JobStore, job *Job) {
	t.Helper()
	rec, err := toRecord(job)
	require.NoError(t, err)
	require.NoError(t, js.Save(context.Background(), rec))
}

func TestScheduler_Misfire(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		job       *Job
		wantRun   bool
		wantKept  bool
		wantSkips int
	}{
		{
			name: "interval within grace runs once",
			job: &Job{ID: "late", Trigger: Trigger{Kind: KindInterval, Every: time.Hour},
				CreatedAt: now.Add(-5 * time.Hour), Stats: Stats{LastRunAt: now.Add(-61 * time.Minute)}},
			wantRun:  true,
			wantKept: true,
		},
		{
			name: "interval beyond grace is skipped",
			job: &Job{ID: "stale", Trigger: Trigger{Kind: KindInterval, Every: time.Hour},
				CreatedAt: now.Add(-5 * time.Hour), Stats: Stats{LastRunAt: now.Add(-3 * time.Hour)}},
			wantKept:  true,
			wantSkips: 1,
		},
		{
			name: "one-time within grace runs",
			job: &Job{ID: "once-late", Trigger: Trigger{Kind: KindAt, At: now.Add(-time.Minute)},
				CreatedAt: now.Add(-time.Hour)},
			wantRun: true,
		},
		{
			name: "one-time beyond grace is dropped",
			job: &Job{ID: "once-stale", Trigger: Trigger{Kind: KindAt, At: now.Add(-time.Hour)},
				CreatedAt: now.Add(-2 * time.Hour)},
		},
		{
			name: "future fire waits",
			job: &Job{ID: "future", Trigger: Trigger{Kind: KindInterval, Every: time.Hour},
				CreatedAt: now.Add(-time.Minute)},
			wantKept: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a job persisted by an earlier process
			ctx := context.Background()
			js := newJobStore(t)
			seedJob(t, js, tt.job)
			r := newFakeRunner()
			s := newTestScheduler(t, testSchedulerConfig(), r, js)

			// When: the scheduler starts
			require.NoError(t, s.Start(ctx))

			// Then: the missed fire runs or is skipped
			if tt.wantRun {
				assert.Equal(t, tt.job.ID, r.waitStarted(t))
			} else {
				time.Sleep(50 * time.Millisecond)
				assert.Zero(t, r.callCount())
			}

			if !tt.wantKept {
				require.Eventually(t, func() bool { return len(s.List()) == 0 }, waitFor, 5*time.Millisecond)
				return
			}
			if tt.wantRun {
				waitStats(t, s, tt.job.ID, func(st Stats) bool { return st.Runs == 1 })
			}
			got, err := s.Get(tt.job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSkips, got.Stats.Skipped)
			require.NotNil(t, got.NextRun)
			assert.True(t, got.NextRun.After(now), "rescheduled into the future")
		})
	}
}

func TestScheduler_StopCancelsRunningJobs(t *testing.T) {
	ctx := context.Background()
	r := newFakeRunner()
	r.block = make(chan struct{})
	s := newTestScheduler(t, testSchedulerConfig(), r, nil)
	require.NoError(t, s.Start(ctx))
	job, err := s.AddIntervalJob(ctx, "j", time.Hour, index.JobConfig{})
	require.NoError(t, err)
	require.NoError(t, s.RunNow(job.ID))
	r.waitStarted(t)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Stop did not return")
	}
	st, err := s.Stats(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failures)
	assert.Error(t, s.RunNow(job.ID), "a stopped scheduler accepts no triggers")
	assert.Error(t, s.Start(ctx))
}

func TestNew_RequiresRunner(t *testing.T) {
	_, err := New(context.Background(), testSchedulerConfig(), nil)
	assert.Error(t, err)
}
