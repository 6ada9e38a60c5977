// Package index runs synchronization: it classifies what changed since the
// last run, applies the delta to the remote index in batches, commits each
// batch to the ledger, and rolls the ledger back on a fatal failure.
package index

import (
	"time"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
)

// JobConfig parameterizes one synchronization run. Zero values fall back
// to the loaded configuration.
type JobConfig struct {
	// SourcePath overrides source.path.
	SourcePath string `json:"source_path,omitempty"`
	// Pattern overrides source.pattern.
	Pattern          string `json:"pattern,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	DryRun           bool   `json:"dry_run,omitempty"`
	ForceFullRebuild bool   `json:"force_full_rebuild,omitempty"`
}

// State is a step of a synchronization run.
type State string

const (
	StateScanning       State = "scanning"
	StateClassifying    State = "classifying"
	StateFullRebuild    State = "full_rebuild"
	StateIncremental    State = "incremental"
	StateBatching       State = "batching"
	StateCommitting     State = "committing"
	StateHealthChecking State = "health_checking"
	StateDone           State = "done"
	StateAborted        State = "aborted"
	StateRollingBack    State = "rolling_back"
)

// RunStatus is the outcome of a run.
type RunStatus string

const (
	// StatusSuccess means every attempted id was applied.
	StatusSuccess RunStatus = "success"
	// StatusPartial means some ids failed and keep their old ledger state.
	StatusPartial RunStatus = "partial"
	// StatusFailed means the run aborted or every attempted id failed.
	StatusFailed RunStatus = "failed"
)

// RunReport describes a finished run. It is always returned, even when the
// run aborts.
type RunReport struct {
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id,omitempty"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`

	New       int `json:"new"`
	Modified  int `json:"modified"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`

	// ChangedFraction is the share of changed ids that drove the
	// full rebuild decision.
	ChangedFraction float64 `json:"changed_fraction"`
	FullRebuild     bool    `json:"full_rebuild"`
	DryRun          bool    `json:"dry_run,omitempty"`

	// Applied counts ids whose change reached both the index and the ledger.
	Applied   int               `json:"applied"`
	FailedIDs []string          `json:"failed_ids,omitempty"`
	Failures  map[string]string `json:"failures,omitempty"`
	Batches   int               `json:"batches"`

	Backup     string `json:"backup,omitempty"`
	RolledBack bool   `json:"rolled_back"`
	// Error is set when the run aborted.
	Error string `json:"error,omitempty"`

	States   []State       `json:"states"`
	Duration time.Duration `json:"duration"`
	Health   *HealthReport `json:"health,omitempty"`
}

// Visited reports whether the run passed through s.
func (r *RunReport) Visited(s State) bool {
	for _, v := range r.States {
		if v == s {
			return true
		}
	}
	return false
}

func (r *RunReport) visit(s State) {
	if !r.Visited(s) {
		r.States = append(r.States, s)
	}
}

// Op is a remote index operation.
type Op string

const (
	OpUpsert Op = "upsert"
	OpRemove Op = "remove"
)

// OpResult is the outcome of one id within a batch.
type OpResult struct {
	ID         string
	Op         Op
	ChunkCount int
	Err        error
}

// Failed reports whether the operation did not apply.
func (r OpResult) Failed() bool {
	return r.Err != nil
}

// Fatal reports whether the failure aborts the run.
func (r OpResult) Fatal() bool {
	return r.Err != nil && amerrors.IsFatal(r.Err)
}

// Batch is an ordered slice of ids sharing one operation. It is the unit
// of remote work and of ledger commit.
type Batch struct {
	Seq int
	Op  Op
	IDs []string
}

// BatchResult aggregates the per-id results of a batch, in batch order.
type BatchResult struct {
	Batch   Batch
	Results []OpResult
}

// Succeeded returns the results that applied.
func (b *BatchResult) Succeeded() []OpResult {
	var out []OpResult
	for _, r := range b.Results {
		if !r.Failed() {
			out = append(out, r)
		}
	}
	return out
}

// Failed returns the results that did not apply.
func (b *BatchResult) Failed() []OpResult {
	var out []OpResult
	for _, r := range b.Results {
		if r.Failed() {
			out = append(out, r)
		}
	}
	return out
}

// Fatal returns the first error that aborts the run, or nil.
func (b *BatchResult) Fatal() error {
	for _, r := range b.Results {
		if r.Fatal() {
			return r.Err
		}
	}
	return nil
}
