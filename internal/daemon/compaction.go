package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Aman-CERP/amansync/internal/config"
	"github.com/Aman-CERP/amansync/internal/store"
)

// Compactable is a local index whose graph accumulates stale nodes.
// store.HNSWIndex implements it.
type Compactable interface {
	Stats() store.HNSWStats
	Compact(ctx context.Context) (int, error)
	Flush(ctx context.Context) error
}

// CompactionPolicy decides when the local graph is rebuilt.
type CompactionPolicy struct {
	Interval    time.Duration
	OrphanRatio float64
	MinOrphans  int
}

// PolicyFromConfig extracts the compaction policy from the daemon section.
func PolicyFromConfig(cfg config.DaemonConfig) CompactionPolicy {
	return CompactionPolicy{
		Interval:    cfg.CompactInterval,
		OrphanRatio: cfg.CompactOrphanRatio,
		MinOrphans:  cfg.CompactMinOrphans,
	}
}

// Compactor periodically rebuilds the hnsw graph once removals leave
// enough orphaned nodes behind. It only compacts while no sync job runs.
//
// Compaction runs when all of these hold:
//  1. no job is running (idle reports true)
//  2. orphans/graph nodes reaches OrphanRatio
//  3. orphans reaches MinOrphans
type Compactor struct {
	index  Compactable
	policy CompactionPolicy
	idle   func() bool

	mu         sync.Mutex
	compacting bool
	runs       int
}

// NewCompactor creates a compactor. A nil idle func treats the daemon as
// always idle.
func NewCompactor(idx Compactable, policy CompactionPolicy, idle func() bool) *Compactor {
	if idle == nil {
		idle = func() bool { return true }
	}
	return &Compactor{index: idx, policy: policy, idle: idle}
}

// Runs returns how many compactions completed.
func (c *Compactor) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

// Run checks the policy every Interval until ctx is done.
func (c *Compactor) Run(ctx context.Context) {
	if c.policy.Interval <= 0 {
		slog.Debug("compaction_disabled")
		return
	}
	ticker := time.NewTicker(c.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.CompactIfDue(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("compaction_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Due reports whether the graph should be compacted now.
func (c *Compactor) Due() (store.HNSWStats, bool) {
	stats := c.index.Stats()
	if stats.GraphNodes == 0 || stats.Orphans < max(c.policy.MinOrphans, 1) {
		return stats, false
	}
	ratio := float64(stats.Orphans) / float64(stats.GraphNodes)
	if ratio < c.policy.OrphanRatio {
		return stats, false
	}
	return stats, true
}

// CompactIfDue compacts and flushes the index when the policy allows.
// It returns the number of dropped nodes.
func (c *Compactor) CompactIfDue(ctx context.Context) (int, error) {
	if !c.idle() {
		slog.Debug("compaction_skipped", slog.String("reason", "job_running"))
		return 0, nil
	}
	stats, due := c.Due()
	if !due {
		return 0, nil
	}

	c.mu.Lock()
	if c.compacting {
		c.mu.Unlock()
		return 0, nil
	}
	c.compacting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.compacting = false
		c.mu.Unlock()
	}()

	start := time.Now()
	slog.Info("compaction_started",
		slog.Int("orphans", stats.Orphans),
		slog.Int("graph_nodes", stats.GraphNodes))

	dropped, err := c.index.Compact(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.index.Flush(ctx); err != nil {
		return dropped, err
	}

	c.mu.Lock()
	c.runs++
	c.mu.Unlock()

	slog.Info("compaction_complete",
		slog.Int("dropped", dropped),
		slog.Int("live_nodes", stats.LiveNodes),
		slog.Duration("duration", time.Since(start)))
	return dropped, nil
}
