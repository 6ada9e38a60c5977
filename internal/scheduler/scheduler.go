// Package scheduler fires synchronization runs on cron, interval and
// one-time triggers.
//
// A single coordination goroutine decides when jobs are due and hands
// them to a bounded worker pool. Each job runs at most once at a time;
// triggers that arrive while it runs are dropped or coalesced into one
// pending re-run, depending on the coalesce policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/amansync/internal/config"
	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/logging"
	"github.com/Aman-CERP/amansync/internal/store"
)

// Coalesce policies.
const (
	CoalesceSkip  = "skip"
	CoalesceQueue = "queue"
)

// idleWait bounds how long the loop sleeps when nothing is scheduled.
const idleWait = time.Hour

// Runner executes one synchronization run. *index.Runner implements it.
type Runner interface {
	Run(ctx context.Context, jc index.JobConfig) (*index.RunReport, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStore persists jobs in js. Without a store jobs live in memory.
func WithStore(js *store.JobStore) Option {
	return func(s *Scheduler) {
		s.store = js
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

type entry struct {
	job     *Job
	next    time.Time
	hasNext bool
	running bool
	pending bool
	// oneShot marks a one-time job whose trigger has fired; it is
	// removed once its run completes.
	oneShot bool
}

// Scheduler owns the jobs and their execution.
type Scheduler struct {
	cfg    config.SchedulerConfig
	runner Runner
	store  *store.JobStore
	now    func() time.Time
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*entry
	started bool
	stopped bool
	paused  bool
}

// New creates a scheduler and loads persisted jobs. Nothing fires until
// Start.
func New(ctx context.Context, cfg config.SchedulerConfig, runner Runner, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Coalesce == "" {
		cfg.Coalesce = CoalesceSkip
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		runner: runner,
		now:    time.Now,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:    base,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		jobs:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store != nil {
		recs, err := s.store.List(ctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load jobs: %w", err)
		}
		for _, rec := range recs {
			job, err := fromRecord(rec)
			if err != nil {
				slog.Warn("job_load_failed",
					slog.String("job_id", rec.ID),
					slog.String("error", err.Error()))
				continue
			}
			s.jobs[job.ID] = &entry{job: job}
		}
	}
	return s, nil
}

// AddCronJob adds a job fired by a cron expression.
func (s *Scheduler) AddCronJob(ctx context.Context, name, expr string, jc index.JobConfig) (*Job, error) {
	t, err := CronTrigger(expr)
	if err != nil {
		return nil, err
	}
	return s.Add(ctx, name, t, jc)
}

// AddIntervalJob adds a job fired every d.
func (s *Scheduler) AddIntervalJob(ctx context.Context, name string, d time.Duration, jc index.JobConfig) (*Job, error) {
	t, err := IntervalTrigger(d)
	if err != nil {
		return nil, err
	}
	return s.Add(ctx, name, t, jc)
}

// AddOneTimeJob adds a job that fires once at at and is then removed.
func (s *Scheduler) AddOneTimeJob(ctx context.Context, name string, at time.Time, jc index.JobConfig) (*Job, error) {
	return s.Add(ctx, name, AtTrigger(at), jc)
}

// Add adds a job with an arbitrary trigger.
func (s *Scheduler) Add(ctx context.Context, name string, t Trigger, jc index.JobConfig) (*Job, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	if t.Kind == KindAt && !t.At.After(now) {
		return nil, invalidTrigger("one-time trigger %s is not in the future", t.At.Format(time.RFC3339))
	}
	job := &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Trigger:   t,
		Config:    jc,
		CreatedAt: now.UTC(),
	}
	if job.Name == "" {
		job.Name = job.ID[:8]
	}
	if err := s.persist(ctx, job); err != nil {
		return nil, err
	}

	e := &entry{job: job}
	s.mu.Lock()
	if s.started {
		e.next, e.hasNext = NextFire(t, now)
	}
	s.jobs[job.ID] = e
	out := s.view(e)
	s.mu.Unlock()
	s.poke()

	slog.Info("job_added",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
		slog.String("trigger", t.String()))
	return out, nil
}

// Remove deletes a job. A run in progress finishes but is not recorded.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if !ok {
		return jobNotFound(id)
	}
	if s.store != nil {
		if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, amerrors.ErrJobNotFound) {
			return err
		}
	}
	s.poke()
	slog.Info("job_removed", slog.String("job_id", id))
	return nil
}

// List returns every job ordered by creation time.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	out := make([]*Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, s.view(e))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a snapshot of one job.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	return s.view(e), nil
}

// Stats returns a job's execution statistics.
func (s *Scheduler) Stats(id string) (Stats, error) {
	job, err := s.Get(id)
	if err != nil {
		return Stats{}, err
	}
	return job.Stats, nil
}

// RunNow triggers a job immediately on the worker pool and returns
// without waiting. If the job is running it returns ErrJobRunning under
// the skip policy, or queues one re-run under the queue policy.
func (s *Scheduler) RunNow(id string) error {
	return s.trigger(id, "manual")
}

// Execute runs a job on the calling goroutine and returns its report.
// It honours single-flight but never queues: a running job yields
// ErrJobRunning.
func (s *Scheduler) Execute(ctx context.Context, id string) (*index.RunReport, error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, jobNotFound(id)
	}
	if e.running {
		s.mu.Unlock()
		return nil, jobRunning(id)
	}
	if s.stopped || s.paused {
		s.mu.Unlock()
		return nil, amerrors.New(amerrors.ErrCodeJobExecution, "scheduler is shutting down", nil)
	}
	e.running = true
	job := e.job.clone()
	s.mu.Unlock()

	started := s.now()
	report, err := s.invoke(ctx, job)
	if s.complete(id, report, err, started) {
		s.spawn(id)
	}
	return report, err
}

// Start schedules every loaded job and starts the coordination loop.
// Cancelling ctx has the same effect as Stop without the wait.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	now := s.now()
	var expired []string
	for id, e := range s.jobs {
		if !s.planStartup(e, now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.jobs, id)
	}
	count := len(s.jobs)
	s.mu.Unlock()

	for _, id := range expired {
		if s.store != nil {
			_ = s.store.Delete(ctx, id)
		}
		slog.Info("job_removed", slog.String("job_id", id), slog.String("reason", "missed_one_time_trigger"))
	}

	stop := context.AfterFunc(ctx, s.cancel)
	go func() {
		defer stop()
		s.loop()
	}()
	slog.Info("scheduler_started",
		slog.Int("jobs", count),
		slog.Int("workers", s.cfg.Workers),
		slog.String("coalesce", s.cfg.Coalesce))
	return nil
}

// planStartup computes a job's first fire after a (re)start. A fire time
// missed while the process was down runs once if it is within the misfire
// grace window and is skipped otherwise. It returns false for a one-time
// job whose instant was missed beyond the grace window.
func (s *Scheduler) planStartup(e *entry, now time.Time) bool {
	ref := e.job.Stats.LastRunAt
	if ref.IsZero() {
		ref = e.job.CreatedAt
	}
	next, ok := NextFire(e.job.Trigger, ref)
	if !ok {
		return e.job.Trigger.Kind != KindAt
	}
	if next.After(now) {
		e.next, e.hasNext = next, true
		return true
	}

	late := now.Sub(next)
	if late <= s.cfg.MisfireGrace {
		slog.Info("job_misfire_run",
			slog.String("job_id", e.job.ID),
			slog.Duration("late", late))
		e.next, e.hasNext = now, true
		return true
	}

	e.job.Stats.Skipped++
	slog.Warn("job_misfire_skipped",
		slog.String("job_id", e.job.ID),
		slog.Duration("late", late),
		slog.Duration("grace", s.cfg.MisfireGrace))
	e.next, e.hasNext = NextFire(e.job.Trigger, now)
	return e.hasNext
}

// Pause stops new runs from starting. Scheduled fires and triggers are
// dropped while paused; runs already in progress continue. There is no
// resume, a paused scheduler is only stopped.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	for _, e := range s.jobs {
		e.pending = false
	}
	s.mu.Unlock()
	slog.Info("scheduler_paused")
}

// Stop halts the loop, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.done
	}
	s.wg.Wait()
	slog.Info("scheduler_stopped")
}

func (s *Scheduler) loop() {
	defer close(s.done)
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		timer.Reset(s.dispatchDue())
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// dispatchDue fires every due job and returns how long to sleep.
func (s *Scheduler) dispatchDue() time.Duration {
	now := s.now()
	wait := idleWait
	var due []string

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return wait
	}
	for id, e := range s.jobs {
		if !e.hasNext {
			continue
		}
		if !e.next.After(now) {
			due = append(due, id)
			if e.job.Trigger.Kind == KindAt {
				e.hasNext = false
				e.oneShot = true
			} else {
				e.next, e.hasNext = NextFire(e.job.Trigger, now)
			}
		}
		if e.hasNext {
			wait = min(wait, e.next.Sub(now))
		}
	}
	s.mu.Unlock()

	sort.Strings(due)
	for _, id := range due {
		_ = s.trigger(id, "schedule")
	}
	return max(wait, time.Millisecond)
}

func (s *Scheduler) trigger(id, reason string) error {
	s.mu.Lock()
	if s.stopped || s.paused {
		s.mu.Unlock()
		return amerrors.New(amerrors.ErrCodeJobExecution, "scheduler is shutting down", nil)
	}
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return jobNotFound(id)
	}
	if e.running {
		if s.cfg.Coalesce == CoalesceQueue {
			e.pending = true
			s.mu.Unlock()
			slog.Debug("job_trigger_queued", slog.String("job_id", id), slog.String("reason", reason))
			return nil
		}
		e.job.Stats.Skipped++
		s.mu.Unlock()
		slog.Info("job_trigger_skipped", slog.String("job_id", id), slog.String("reason", reason))
		return jobRunning(id)
	}
	e.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(id)
	return nil
}

// spawn continues a queued re-run for a job already marked running.
func (s *Scheduler) spawn(id string) {
	s.mu.Lock()
	if s.stopped {
		if e, ok := s.jobs[id]; ok {
			e.running, e.pending = false, false
		}
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go s.execute(id)
}

// execute runs a job on the pool until no re-run is pending.
func (s *Scheduler) execute(id string) {
	defer s.wg.Done()
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.mu.Lock()
		if e, ok := s.jobs[id]; ok {
			e.running, e.pending = false, false
		}
		s.mu.Unlock()
		return
	}
	defer s.sem.Release(1)

	for {
		s.mu.Lock()
		e, ok := s.jobs[id]
		if !ok {
			s.mu.Unlock()
			return
		}
		job := e.job.clone()
		s.mu.Unlock()

		started := s.now()
		report, err := s.invoke(s.ctx, job)
		if !s.complete(id, report, err, started) {
			return
		}
	}
}

// invoke calls the runner, converting failures and panics into
// JobExecutionError.
func (s *Scheduler) invoke(ctx context.Context, job *Job) (report *index.RunReport, err error) {
	ctx = logging.WithJobID(ctx, job.ID)
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "job_panic",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			report = nil
			err = amerrors.JobExecutionError(job.ID, fmt.Errorf("panic: %v", r))
		}
	}()

	slog.InfoContext(ctx, "job_started", slog.String("name", job.Name))
	report, err = s.runner.Run(ctx, job.Config)
	if err != nil {
		err = amerrors.JobExecutionError(job.ID, err)
	}
	return report, err
}

// complete records a finished run. It returns true when a queued re-run
// should start immediately.
func (s *Scheduler) complete(id string, report *index.RunReport, err error, started time.Time) bool {
	finished := s.now()

	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	st := &e.job.Stats
	st.Runs++
	st.LastRunAt = started.UTC()
	st.LastDuration = finished.Sub(started)
	if report != nil {
		e.job.LastResult = report
	}

	failure := err
	if failure == nil && report != nil && report.Status == index.StatusFailed {
		failure = amerrors.JobExecutionError(id, fmt.Errorf("every attempted document failed"))
	}
	if failure != nil {
		st.Failures++
		st.LastFailureAt = finished.UTC()
		st.LastError = failure.Error()
	} else {
		st.Successes++
		st.LastSuccessAt = finished.UTC()
		st.LastError = ""
	}

	again := false
	if e.pending && !e.oneShot && !s.stopped && !s.paused {
		e.pending = false
		again = true
	} else {
		e.running, e.pending = false, false
	}
	oneShot := e.oneShot
	if oneShot {
		delete(s.jobs, id)
	}
	job := e.job.clone()
	s.mu.Unlock()

	ctx := context.WithoutCancel(s.ctx)
	if failure != nil {
		slog.Warn("job_failed",
			slog.String("job_id", id),
			slog.Int64("duration_ms", job.Stats.LastDuration.Milliseconds()),
			slog.String("error", failure.Error()))
	} else {
		var status index.RunStatus
		if report != nil {
			status = report.Status
		}
		slog.Info("job_completed",
			slog.String("job_id", id),
			slog.String("status", string(status)),
			slog.Int64("duration_ms", job.Stats.LastDuration.Milliseconds()))
	}

	if oneShot {
		if s.store != nil {
			_ = s.store.Delete(ctx, id)
		}
		slog.Info("job_removed", slog.String("job_id", id), slog.String("reason", "one_time_trigger_fired"))
		return false
	}
	if err := s.persist(ctx, job); err != nil {
		slog.Warn("job_persist_failed", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	return again
}

func (s *Scheduler) persist(ctx context.Context, job *Job) error {
	if s.store == nil {
		return nil
	}
	rec, err := toRecord(job)
	if err != nil {
		return err
	}
	return s.store.Save(ctx, rec)
}

// view must be called with the lock held.
func (s *Scheduler) view(e *entry) *Job {
	j := e.job.clone()
	j.Running = e.running
	if e.hasNext {
		next := e.next
		j.NextRun = &next
	}
	return j
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func jobNotFound(id string) error {
	return amerrors.New(amerrors.ErrCodeJobNotFound, fmt.Sprintf("job %s not found", id), nil)
}

func jobRunning(id string) error {
	return amerrors.New(amerrors.ErrCodeJobRunning, fmt.Sprintf("job %s is already running", id), nil).
		WithSuggestion("Wait for the current run to finish or set scheduler.coalesce to 'queue'")
}
