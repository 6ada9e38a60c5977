package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Aman-CERP/amansync/internal/index"
)

const (
	metricRuns            = "amansync.sync.runs"
	metricRunDuration     = "amansync.sync.duration"
	metricDocuments       = "amansync.sync.documents"
	metricApplied         = "amansync.sync.applied"
	metricFailedIDs       = "amansync.sync.failed_ids"
	metricRollbacks       = "amansync.sync.rollbacks"
	metricChangedFraction = "amansync.sync.changed_fraction"
	metricJobs            = "amansync.scheduler.jobs"
	metricJobsRunning     = "amansync.scheduler.jobs.running"
)

// SyncMetrics records run reports as OTel instruments. It implements
// index.Observer.
type SyncMetrics struct {
	runs            metric.Int64Counter
	duration        metric.Float64Histogram
	documents       metric.Int64Counter
	applied         metric.Int64Counter
	failedIDs       metric.Int64Counter
	rollbacks       metric.Int64Counter
	changedFraction metric.Float64Histogram
}

var _ index.Observer = (*SyncMetrics)(nil)

// NewSyncMetrics creates the run instruments on mt.
func NewSyncMetrics(mt metric.Meter) (*SyncMetrics, error) {
	var (
		m   SyncMetrics
		err error
	)
	if m.runs, err = mt.Int64Counter(metricRuns,
		metric.WithDescription("Finished synchronization runs by status"),
		metric.WithUnit("{run}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRuns, err)
	}
	if m.duration, err = mt.Float64Histogram(metricRunDuration,
		metric.WithDescription("Synchronization run duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600)); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRunDuration, err)
	}
	if m.documents, err = mt.Int64Counter(metricDocuments,
		metric.WithDescription("Classified documents by change kind"),
		metric.WithUnit("{document}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricDocuments, err)
	}
	if m.applied, err = mt.Int64Counter(metricApplied,
		metric.WithDescription("Documents whose change reached the index and the ledger"),
		metric.WithUnit("{document}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricApplied, err)
	}
	if m.failedIDs, err = mt.Int64Counter(metricFailedIDs,
		metric.WithDescription("Documents that failed and kept their previous ledger state"),
		metric.WithUnit("{document}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricFailedIDs, err)
	}
	if m.rollbacks, err = mt.Int64Counter(metricRollbacks,
		metric.WithDescription("Runs whose ledger was restored from a snapshot"),
		metric.WithUnit("{run}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRollbacks, err)
	}
	if m.changedFraction, err = mt.Float64Histogram(metricChangedFraction,
		metric.WithDescription("Share of changed documents per run"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 0.8, 1)); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricChangedFraction, err)
	}
	return &m, nil
}

// RunCompleted implements index.Observer. Dry runs are not recorded.
func (m *SyncMetrics) RunCompleted(ctx context.Context, r *index.RunReport) {
	if r == nil || r.DryRun {
		return
	}
	status := attribute.String("status", string(r.Status))
	m.runs.Add(ctx, 1, metric.WithAttributes(status, attribute.Bool("full_rebuild", r.FullRebuild)))
	m.duration.Record(ctx, r.Duration.Seconds(), metric.WithAttributes(status))
	m.changedFraction.Record(ctx, r.ChangedFraction)

	for kind, n := range map[string]int{
		"new":       r.New,
		"modified":  r.Modified,
		"deleted":   r.Deleted,
		"unchanged": r.Unchanged,
	} {
		if n > 0 {
			m.documents.Add(ctx, int64(n), metric.WithAttributes(attribute.String("change", kind)))
		}
	}
	if r.Applied > 0 {
		m.applied.Add(ctx, int64(r.Applied))
	}
	if n := len(r.FailedIDs); n > 0 {
		m.failedIDs.Add(ctx, int64(n))
	}
	if r.RolledBack {
		m.rollbacks.Add(ctx, 1)
	}
}

// JobCounts reports the number of scheduled and running jobs.
type JobCounts func() (total, running int)

// RegisterJobGauges observes scheduler job counts on every collection.
func RegisterJobGauges(mt metric.Meter, counts JobCounts) error {
	jobs, err := mt.Int64ObservableGauge(metricJobs,
		metric.WithDescription("Scheduled jobs"),
		metric.WithUnit("{job}"))
	if err != nil {
		return fmt.Errorf("create %s: %w", metricJobs, err)
	}
	running, err := mt.Int64ObservableGauge(metricJobsRunning,
		metric.WithDescription("Jobs currently executing"),
		metric.WithUnit("{job}"))
	if err != nil {
		return fmt.Errorf("create %s: %w", metricJobsRunning, err)
	}

	_, err = mt.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, active := counts()
		obs.ObserveInt64(jobs, int64(total))
		obs.ObserveInt64(running, int64(active))
		return nil
	}, jobs, running)
	if err != nil {
		return fmt.Errorf("register job gauges: %w", err)
	}
	return nil
}
