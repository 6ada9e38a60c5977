package index

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Aman-CERP/amansync/internal/backup"
	"github.com/Aman-CERP/amansync/internal/store"
	"github.com/Aman-CERP/amansync/pkg/indexer"
)

// HealthStatus is the overall verdict of a health check.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// CheckStatus is the outcome of one check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
	CheckSkip CheckStatus = "skip"
)

// Check names.
const (
	CheckIndexReachable  = "index_reachable"
	CheckChunkCounts     = "chunk_counts"
	CheckOrphans         = "orphans"
	CheckLedgerIntegrity = "ledger_integrity"
	CheckBackupRetention = "backup_retention"
)

// maxReportedIDs caps the ids listed per failed check.
const maxReportedIDs = 20

// CheckResult is one health check.
type CheckResult struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	IDs     []string    `json:"ids,omitempty"`
}

// HealthReport is the result of HealthChecker.Check.
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
}

// Check returns the named check, or nil.
func (r *HealthReport) Check(name string) *CheckResult {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

// HealthChecker verifies that the ledger and the remote index agree.
// It never mutates either.
type HealthChecker struct {
	ledger     *store.Ledger
	index      indexer.Index
	backups    *backup.Manager
	sampleSize int
	retention  int
}

// NewHealthChecker creates a checker. sampleSize limits the chunk count
// check to the first ids in sorted order; 0 checks all. backups may be
// nil, which skips the retention check.
func NewHealthChecker(ledger *store.Ledger, idx indexer.Index, backups *backup.Manager, sampleSize, retention int) *HealthChecker {
	return &HealthChecker{
		ledger:     ledger,
		index:      idx,
		backups:    backups,
		sampleSize: sampleSize,
		retention:  retention,
	}
}

// Check runs every check. The returned error is non-nil only when ctx
// is cancelled.
func (h *HealthChecker) Check(ctx context.Context) (*HealthReport, error) {
	start := time.Now()
	report := &HealthReport{CheckedAt: start.UTC()}

	reachable := h.checkReachable(ctx)
	report.Checks = append(report.Checks, reachable)

	integrity := h.checkIntegrity(ctx)
	report.Checks = append(report.Checks, integrity)

	var ledger map[string]*store.DocumentRecord
	if integrity.Status == CheckPass {
		var err error
		ledger, err = h.ledger.All(ctx)
		if err != nil {
			integrity.Status = CheckFail
			integrity.Message = err.Error()
			report.Checks[len(report.Checks)-1] = integrity
		}
	}

	canCompare := reachable.Status == CheckPass && integrity.Status == CheckPass
	report.Checks = append(report.Checks,
		h.checkChunkCounts(ctx, ledger, canCompare),
		h.checkOrphans(ctx, ledger, canCompare),
		h.checkRetention())

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report.Status = HealthHealthy
	for _, c := range report.Checks {
		if c.Status != CheckFail {
			continue
		}
		if c.Name == CheckIndexReachable || c.Name == CheckLedgerIntegrity {
			report.Status = HealthUnhealthy
			break
		}
		report.Status = HealthDegraded
	}
	report.Duration = time.Since(start)
	return report, nil
}

func (h *HealthChecker) checkReachable(ctx context.Context) CheckResult {
	c := CheckResult{Name: CheckIndexReachable, Status: CheckPass}
	if err := h.index.Ping(ctx); err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
	}
	return c
}

func (h *HealthChecker) checkIntegrity(ctx context.Context) CheckResult {
	c := CheckResult{Name: CheckLedgerIntegrity, Status: CheckPass}
	if err := h.ledger.CheckIntegrity(ctx); err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
	}
	return c
}

func (h *HealthChecker) checkChunkCounts(ctx context.Context, ledger map[string]*store.DocumentRecord, canCompare bool) CheckResult {
	c := CheckResult{Name: CheckChunkCounts}
	if !canCompare {
		c.Status = CheckSkip
		c.Message = "index or ledger unavailable"
		return c
	}

	ids := make([]string, 0, len(ledger))
	for id := range ledger {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if h.sampleSize > 0 && len(ids) > h.sampleSize {
		ids = ids[:h.sampleSize]
	}

	var mismatched []string
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		n, err := h.index.Count(ctx, id)
		if err != nil || n != ledger[id].ChunkCount {
			mismatched = append(mismatched, id)
		}
	}

	c.Status = CheckPass
	c.Message = fmt.Sprintf("%d of %d sampled ids match", len(ids)-len(mismatched), len(ids))
	if len(mismatched) > 0 {
		c.Status = CheckFail
		c.IDs = truncateIDs(mismatched)
	}
	return c
}

func (h *HealthChecker) checkOrphans(ctx context.Context, ledger map[string]*store.DocumentRecord, canCompare bool) CheckResult {
	c := CheckResult{Name: CheckOrphans}
	lister := listerOf(h.index)
	switch {
	case lister == nil:
		c.Status = CheckSkip
		c.Message = "index cannot list documents"
		return c
	case !canCompare:
		c.Status = CheckSkip
		c.Message = "index or ledger unavailable"
		return c
	}

	remote, err := lister.DocumentIDs(ctx)
	if err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
		return c
	}
	var orphans []string
	for _, id := range remote {
		if _, ok := ledger[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	c.Status = CheckPass
	if len(orphans) > 0 {
		c.Status = CheckFail
		c.Message = fmt.Sprintf("%d index documents have no ledger record", len(orphans))
		c.IDs = truncateIDs(orphans)
	}
	return c
}

func (h *HealthChecker) checkRetention() CheckResult {
	c := CheckResult{Name: CheckBackupRetention}
	if h.backups == nil || h.retention <= 0 {
		c.Status = CheckSkip
		return c
	}
	list, err := h.backups.List()
	if err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
		return c
	}
	c.Status = CheckPass
	c.Message = fmt.Sprintf("%d of %d backups", len(list), h.retention)
	if len(list) > h.retention {
		c.Status = CheckFail
	}
	return c
}

func listerOf(idx indexer.Index) indexer.Lister {
	if r, ok := idx.(*ResilientIndex); ok && !r.CanList() {
		return nil
	}
	l, _ := idx.(indexer.Lister)
	return l
}

func truncateIDs(ids []string) []string {
	if len(ids) > maxReportedIDs {
		return ids[:maxReportedIDs]
	}
	return ids
}
