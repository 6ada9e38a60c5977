package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Aman-CERP/amansync/internal/backup"
	"github.com/Aman-CERP/amansync/internal/chunk"
	"github.com/Aman-CERP/amansync/internal/config"
	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/logging"
	"github.com/Aman-CERP/amansync/internal/scanner"
	"github.com/Aman-CERP/amansync/internal/store"
	"github.com/Aman-CERP/amansync/pkg/indexer"
)

// LockFileName guards the ledger against a second writing process.
const LockFileName = "sync.lock"

var tracer = otel.Tracer("github.com/Aman-CERP/amansync/internal/index")

// Observer is notified after every run, including aborted ones.
type Observer interface {
	RunCompleted(ctx context.Context, report *RunReport)
}

// Dependencies contains the injected dependencies for Runner.
type Dependencies struct {
	// Config is the loaded configuration (required).
	Config *config.Config

	// Root is the project root; relative source paths resolve against it.
	Root string

	// DataDir holds the lock file and backups (defaults to Root/.amansync).
	DataDir string

	// Ledger is the open ledger (required).
	Ledger *store.Ledger

	// Index is the remote index (required). Wrap it in a ResilientIndex
	// to get retry and the circuit breaker.
	Index indexer.Index

	// Producer splits documents (defaults to chunk.NewProducer).
	Producer chunk.Producer

	// Source, when set, replaces the configured source for runs that do
	// not override the path or pattern.
	Source scanner.Source

	// Backups defaults to a manager under DataDir/backups.
	Backups *backup.Manager

	Observers []Observer
}

// Runner executes synchronization runs.
type Runner struct {
	cfg       *config.Config
	root      string
	dataDir   string
	ledger    *store.Ledger
	index     indexer.Index
	producer  chunk.Producer
	source    scanner.Source
	backups   *backup.Manager
	health    *HealthChecker
	observers []Observer
	now       func() time.Time
}

// NewRunner creates a Runner with injected dependencies.
func NewRunner(deps Dependencies) (*Runner, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if deps.Index == nil {
		return nil, fmt.Errorf("index is required")
	}

	dataDir := deps.DataDir
	if dataDir == "" {
		dataDir = config.DataDir(deps.Root)
	}
	producer := deps.Producer
	if producer == nil {
		producer = chunk.NewProducer(deps.Config.Chunking)
	}
	backups := deps.Backups
	if backups == nil {
		backups = backup.NewManager(deps.Ledger, filepath.Join(dataDir, backup.DirName))
	}

	return &Runner{
		cfg:       deps.Config,
		root:      deps.Root,
		dataDir:   dataDir,
		ledger:    deps.Ledger,
		index:     deps.Index,
		producer:  producer,
		source:    deps.Source,
		backups:   backups,
		health:    NewHealthChecker(deps.Ledger, deps.Index, backups, deps.Config.Health.SampleSize, deps.Config.Backup.Retention),
		observers: deps.Observers,
		now:       time.Now,
	}, nil
}

// Health returns the checker bound to the runner's ledger and index.
func (r *Runner) Health() *HealthChecker {
	return r.health
}

// Backups returns the ledger backup manager.
func (r *Runner) Backups() *backup.Manager {
	return r.backups
}

// Ledger returns the ledger the runner writes.
func (r *Runner) Ledger() *store.Ledger {
	return r.ledger
}

// DryRun scans and classifies without touching the ledger or the index.
func (r *Runner) DryRun(ctx context.Context, jc JobConfig) (*ChangeSet, error) {
	_, cs, err := r.classify(ctx, jc, &RunReport{})
	return cs, err
}

// Run performs one synchronization run. The report is always returned;
// the error is non-nil only when the run aborted.
func (r *Runner) Run(ctx context.Context, jc JobConfig) (*RunReport, error) {
	start := r.now()
	report := &RunReport{
		RunID:     uuid.NewString(),
		JobID:     logging.JobID(ctx),
		StartedAt: start.UTC(),
		Failures:  make(map[string]string),
	}
	ctx = logging.WithRunID(ctx, report.RunID)

	ctx, span := tracer.Start(ctx, "sync.run", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Bool("dry_run", jc.DryRun),
		attribute.Bool("force_full_rebuild", jc.ForceFullRebuild)))
	defer span.End()

	if r.cfg.Sync.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Sync.Timeout)
		defer cancel()
	}

	slog.InfoContext(ctx, "sync_run_started",
		slog.Bool("dry_run", jc.DryRun),
		slog.Bool("force_full_rebuild", jc.ForceFullRebuild))

	attempted, err := r.run(ctx, jc, report)
	report.Duration = r.now().Sub(start)
	report.Status = runStatus(err, attempted, len(report.FailedIDs))

	span.SetAttributes(
		attribute.String("status", string(report.Status)),
		attribute.Int("failed", len(report.FailedIDs)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		attrs := append(amerrors.LogAttrs(err), slog.Bool("rolled_back", report.RolledBack))
		slog.LogAttrs(ctx, slog.LevelError, "sync_run_aborted", attrs...)
	}

	slog.InfoContext(ctx, "sync_run_complete",
		slog.String("status", string(report.Status)),
		slog.Int("new", report.New),
		slog.Int("modified", report.Modified),
		slog.Int("deleted", report.Deleted),
		slog.Int("unchanged", report.Unchanged),
		slog.Int("applied", report.Applied),
		slog.Int("failed", len(report.FailedIDs)),
		slog.Int("batches", report.Batches),
		slog.Bool("full_rebuild", report.FullRebuild),
		slog.Int64("duration_ms", report.Duration.Milliseconds()))

	obsCtx := context.WithoutCancel(ctx)
	for _, o := range r.observers {
		o.RunCompleted(obsCtx, report)
	}
	return report, err
}

func runStatus(err error, attempted, failed int) RunStatus {
	switch {
	case err != nil:
		return StatusFailed
	case failed == 0:
		return StatusSuccess
	case failed >= attempted:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// run drives the state machine and returns the number of distinct ids
// it attempted.
func (r *Runner) run(ctx context.Context, jc JobConfig, report *RunReport) (int, error) {
	if !jc.DryRun {
		lock := backup.NewFileLock(filepath.Join(r.dataDir, LockFileName))
		ok, err := lock.TryLock()
		if err != nil || !ok {
			if err == nil {
				err = fmt.Errorf("%s is held by another process", lock.Path())
			}
			return 0, r.abort(ctx, report, amerrors.New(amerrors.ErrCodeLockHeld, "another sync is running", err), false, nil)
		}
		defer func() { _ = lock.Unlock() }()
	}

	docs, cs, err := r.classify(ctx, jc, report)
	if err != nil {
		return 0, r.abort(ctx, report, err, false, nil)
	}
	report.New = len(cs.New)
	report.Modified = len(cs.Modified)
	report.Deleted = len(cs.Deleted)
	report.Unchanged = len(cs.Unchanged)
	report.ChangedFraction = cs.ChangedFraction
	report.FullRebuild = cs.FullRebuild

	if jc.DryRun {
		report.DryRun = true
		report.visit(StateDone)
		return 0, nil
	}

	if cs.FullRebuild {
		report.visit(StateFullRebuild)
		slog.InfoContext(ctx, "sync_full_rebuild",
			slog.Float64("changed_fraction", cs.ChangedFraction),
			slog.Bool("forced", jc.ForceFullRebuild),
			slog.Int("cleared", len(cs.Cleared)))
	} else {
		report.visit(StateIncremental)
	}

	batchSize := jc.BatchSize
	if batchSize <= 0 {
		batchSize = r.cfg.Sync.BatchSize
	}
	batches := PlanBatches(cs, batchSize)
	report.Batches = len(batches)
	if len(batches) == 0 {
		return 0, r.finish(ctx, report)
	}

	snap, err := r.backups.Snapshot(ctx)
	if err != nil {
		return 0, r.abort(ctx, report, err, false, nil)
	}
	report.Backup = snap.Name

	docMap := make(map[string]*scanner.Document, len(docs))
	for _, d := range docs {
		docMap[d.ID] = d
	}

	syncer := NewSynchronizer(r.index, r.producer, r.cfg.Sync.MaxConcurrentOperations)
	attempted := make(map[string]struct{})
	mutated := false
	for i, b := range batches {
		if i > 0 {
			if err := r.pause(ctx); err != nil {
				return len(attempted), r.abort(ctx, report, amerrors.IndexUnreachable(err), mutated, snap)
			}
		}
		if err := ctx.Err(); err != nil {
			return len(attempted), r.abort(ctx, report, amerrors.IndexUnreachable(err), mutated, snap)
		}

		report.visit(StateBatching)
		bctx, span := tracer.Start(ctx, "sync.batch", trace.WithAttributes(
			attribute.Int("seq", b.Seq),
			attribute.String("op", string(b.Op)),
			attribute.Int("ids", len(b.IDs))))
		// The deadline is checked between batches; a started batch runs
		// to completion.
		res := syncer.Apply(context.WithoutCancel(bctx), b, docMap)
		span.End()
		for _, id := range b.IDs {
			attempted[id] = struct{}{}
		}

		r.flush(ctx, res)

		report.visit(StateCommitting)
		mutated = true
		applied, err := r.commit(ctx, res, docMap)
		if err != nil {
			return len(attempted), r.abort(ctx, report, err, mutated, snap)
		}
		report.Applied += applied
		recordFailures(ctx, report, res)

		if fatal := res.Fatal(); fatal != nil {
			return len(attempted), r.abort(ctx, report, fatal, mutated, snap)
		}
	}
	return len(attempted), r.finish(ctx, report)
}

// classify scans the source and compares it with the ledger.
func (r *Runner) classify(ctx context.Context, jc JobConfig, report *RunReport) ([]*scanner.Document, *ChangeSet, error) {
	report.visit(StateScanning)
	src, err := r.sourceFor(jc)
	if err != nil {
		return nil, nil, err
	}
	docs, err := src.List(ctx)
	if err != nil {
		if _, ok := amerrors.As(err); !ok {
			err = amerrors.ScanError("source", err)
		}
		return nil, nil, err
	}

	report.visit(StateClassifying)
	recs, err := r.ledger.All(ctx)
	if err != nil {
		return nil, nil, err
	}
	threshold := r.cfg.Sync.FullRebuildThreshold
	if threshold <= 0 {
		threshold = DefaultFullRebuildThreshold
	}
	cs := Classify(docs, recs, threshold, jc.ForceFullRebuild)

	slog.DebugContext(ctx, "sync_classified",
		slog.Int("scanned", len(docs)),
		slog.Int("new", len(cs.New)),
		slog.Int("modified", len(cs.Modified)),
		slog.Int("deleted", len(cs.Deleted)),
		slog.Int("unchanged", len(cs.Unchanged)),
		slog.Float64("changed_fraction", cs.ChangedFraction))
	return docs, cs, nil
}

func (r *Runner) sourceFor(jc JobConfig) (scanner.Source, error) {
	if r.source != nil && jc.SourcePath == "" && jc.Pattern == "" {
		return r.source, nil
	}
	src, err := scanner.FromConfig(r.root, r.cfg.Source, jc.SourcePath, jc.Pattern)
	if err != nil {
		return nil, amerrors.ScanError("source", err)
	}
	return src, nil
}

// pause waits InterBatchDelay between batches.
func (r *Runner) pause(ctx context.Context) error {
	d := r.cfg.Sync.InterBatchDelay
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// flush makes the batch durable on backends that buffer writes. On
// failure nothing in the batch is committed, so the next run retries it.
func (r *Runner) flush(ctx context.Context, res *BatchResult) {
	f, ok := r.index.(indexer.Flusher)
	if !ok {
		return
	}
	err := f.Flush(context.WithoutCancel(ctx))
	if err == nil {
		return
	}
	slog.WarnContext(ctx, "sync_flush_failed",
		slog.Int("batch", res.Batch.Seq),
		slog.String("error", err.Error()))
	for i := range res.Results {
		if !res.Results[i].Failed() {
			res.Results[i].Err = amerrors.IndexOperationFailed(res.Results[i].ID, "flush", err)
		}
	}
}

// commit writes the batch's successful ids to the ledger. It runs even
// after the deadline so the in-flight batch completes.
func (r *Runner) commit(ctx context.Context, res *BatchResult, docs map[string]*scanner.Document) (int, error) {
	ctx = context.WithoutCancel(ctx)
	now := r.now().UTC()

	var (
		upserts []*store.DocumentRecord
		removes []string
	)
	for _, op := range res.Succeeded() {
		switch op.Op {
		case OpRemove:
			removes = append(removes, op.ID)
		case OpUpsert:
			doc := docs[op.ID]
			if doc == nil {
				continue
			}
			upserts = append(upserts, &store.DocumentRecord{
				ID:            op.ID,
				Checksum:      doc.Checksum,
				LastIndexedAt: now,
				ChunkCount:    op.ChunkCount,
				Extra:         doc.Metadata,
			})
		}
	}
	if err := r.ledger.DeleteBatch(ctx, removes); err != nil {
		return 0, err
	}
	if err := r.ledger.UpsertBatch(ctx, upserts); err != nil {
		return 0, err
	}
	return len(removes) + len(upserts), nil
}

func recordFailures(ctx context.Context, report *RunReport, res *BatchResult) {
	for _, op := range res.Results {
		if !op.Failed() {
			// A full rebuild removes then re-adds an id; the later
			// success supersedes an earlier failure.
			delete(report.Failures, op.ID)
			continue
		}
		report.Failures[op.ID] = op.Err.Error()
		slog.WarnContext(ctx, "sync_op_failed",
			slog.String("id", op.ID),
			slog.String("op", string(op.Op)),
			slog.String("error", op.Err.Error()))
	}
	report.FailedIDs = report.FailedIDs[:0]
	for id := range report.Failures {
		report.FailedIDs = append(report.FailedIDs, id)
	}
	sort.Strings(report.FailedIDs)
}

// finish prunes backups and runs the optional post-run health check. A
// run that changed nothing skips the check and never calls the index.
func (r *Runner) finish(ctx context.Context, report *RunReport) error {
	if report.Backup != "" && r.cfg.Backup.Retention > 0 {
		if _, err := r.backups.Prune(r.cfg.Backup.Retention); err != nil {
			slog.WarnContext(ctx, "backup_prune_failed", slog.String("error", err.Error()))
		}
	}
	if r.cfg.Sync.PostHealthCheck && report.Backup != "" {
		report.visit(StateHealthChecking)
		hr, err := r.health.Check(ctx)
		if err != nil {
			slog.WarnContext(ctx, "sync_health_check_failed", slog.String("error", err.Error()))
		} else {
			report.Health = hr
		}
	}
	report.visit(StateDone)
	return nil
}

// abort marks the run aborted and restores the snapshot if the ledger was
// written this run.
func (r *Runner) abort(ctx context.Context, report *RunReport, cause error, mutated bool, snap *backup.Backup) error {
	report.visit(StateAborted)
	report.Error = cause.Error()
	if !mutated || snap == nil {
		return cause
	}

	report.visit(StateRollingBack)
	if err := r.backups.Restore(context.WithoutCancel(ctx), snap); err != nil {
		slog.ErrorContext(ctx, "sync_rollback_failed",
			slog.String("backup", snap.Name),
			slog.String("error", err.Error()))
		return errors.Join(cause, err)
	}
	report.RolledBack = true
	slog.WarnContext(ctx, "sync_rolled_back", slog.String("backup", snap.Name))
	return cause
}
