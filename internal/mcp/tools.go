package mcp

import (
	"time"

	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/scheduler"
)

// Tool names.
const (
	ToolRunSync     = "run_sync"
	ToolDryRun      = "dry_run"
	ToolHealthCheck = "health_check"
	ToolListJobs    = "list_jobs"
	ToolRunJob      = "run_job"
)

// SyncInput defines the input schema for run_sync and dry_run.
type SyncInput struct {
	SourcePath       string `json:"source_path,omitempty" jsonschema:"directory to scan instead of source.path"`
	Pattern          string `json:"pattern,omitempty" jsonschema:"glob of files to include instead of source.pattern"`
	BatchSize        int    `json:"batch_size,omitempty" jsonschema:"ids per batch, default from configuration"`
	ForceFullRebuild bool   `json:"force_full_rebuild,omitempty" jsonschema:"clear and reload the whole index"`
}

func (in SyncInput) jobConfig(dryRun bool) index.JobConfig {
	return index.JobConfig{
		SourcePath:       in.SourcePath,
		Pattern:          in.Pattern,
		BatchSize:        in.BatchSize,
		DryRun:           dryRun,
		ForceFullRebuild: in.ForceFullRebuild,
	}
}

// RunJobInput defines the input schema for run_job.
type RunJobInput struct {
	ID string `json:"id" jsonschema:"id of the scheduled job to run now"`
}

// EmptyInput is the input of tools without parameters.
type EmptyInput struct{}

// RunOutput is a finished run.
type RunOutput struct {
	RunID           string   `json:"run_id"`
	JobID           string   `json:"job_id,omitempty"`
	Status          string   `json:"status" jsonschema:"success, partial or failed"`
	StartedAt       string   `json:"started_at"`
	DurationMS      int64    `json:"duration_ms"`
	New             int      `json:"new"`
	Modified        int      `json:"modified"`
	Deleted         int      `json:"deleted"`
	Unchanged       int      `json:"unchanged"`
	ChangedFraction float64  `json:"changed_fraction"`
	FullRebuild     bool     `json:"full_rebuild"`
	Applied         int      `json:"applied" jsonschema:"ids whose change reached the index and the ledger"`
	FailedIDs       []string `json:"failed_ids,omitempty"`
	Batches         int      `json:"batches"`
	Backup          string   `json:"backup,omitempty"`
	RolledBack      bool     `json:"rolled_back"`
	Error           string   `json:"error,omitempty"`
	States          []string `json:"states"`
	Health          string   `json:"health,omitempty" jsonschema:"verdict of the post-run health check"`
}

// ToRunOutput converts a run report.
func ToRunOutput(r *index.RunReport) RunOutput {
	if r == nil {
		return RunOutput{}
	}
	out := RunOutput{
		RunID:           r.RunID,
		JobID:           r.JobID,
		Status:          string(r.Status),
		StartedAt:       formatTime(r.StartedAt),
		DurationMS:      r.Duration.Milliseconds(),
		New:             r.New,
		Modified:        r.Modified,
		Deleted:         r.Deleted,
		Unchanged:       r.Unchanged,
		ChangedFraction: r.ChangedFraction,
		FullRebuild:     r.FullRebuild,
		Applied:         r.Applied,
		FailedIDs:       r.FailedIDs,
		Batches:         r.Batches,
		Backup:          r.Backup,
		RolledBack:      r.RolledBack,
		Error:           r.Error,
		States:          make([]string, len(r.States)),
	}
	for i, s := range r.States {
		out.States[i] = string(s)
	}
	if r.Health != nil {
		out.Health = string(r.Health.Status)
	}
	return out
}

// DryRunOutput is the change set a run would apply.
type DryRunOutput struct {
	New             []string `json:"new"`
	Modified        []string `json:"modified"`
	Deleted         []string `json:"deleted"`
	Unchanged       int      `json:"unchanged"`
	ChangedFraction float64  `json:"changed_fraction"`
	FullRebuild     bool     `json:"full_rebuild"`
}

// ToDryRunOutput converts a change set.
func ToDryRunOutput(cs *index.ChangeSet) DryRunOutput {
	if cs == nil {
		return DryRunOutput{}
	}
	return DryRunOutput{
		New:             nonNil(cs.New),
		Modified:        nonNil(cs.Modified),
		Deleted:         nonNil(cs.Deleted),
		Unchanged:       len(cs.Unchanged),
		ChangedFraction: cs.ChangedFraction,
		FullRebuild:     cs.FullRebuild,
	}
}

// HealthOutput is a health report.
type HealthOutput struct {
	Status    string        `json:"status" jsonschema:"healthy, degraded or unhealthy"`
	CheckedAt string        `json:"checked_at"`
	Checks    []CheckOutput `json:"checks"`
}

// CheckOutput is one health check.
type CheckOutput struct {
	Name    string   `json:"name"`
	Status  string   `json:"status" jsonschema:"pass, fail or skip"`
	Message string   `json:"message,omitempty"`
	IDs     []string `json:"ids,omitempty"`
}

// ToHealthOutput converts a health report.
func ToHealthOutput(r *index.HealthReport) HealthOutput {
	if r == nil {
		return HealthOutput{}
	}
	out := HealthOutput{
		Status:    string(r.Status),
		CheckedAt: formatTime(r.CheckedAt),
		Checks:    make([]CheckOutput, 0, len(r.Checks)),
	}
	for _, c := range r.Checks {
		out.Checks = append(out.Checks, CheckOutput{
			Name:    c.Name,
			Status:  string(c.Status),
			Message: c.Message,
			IDs:     c.IDs,
		})
	}
	return out
}

// ListJobsOutput defines the output schema for list_jobs.
type ListJobsOutput struct {
	Jobs []JobOutput `json:"jobs"`
}

// JobOutput is one scheduled job.
type JobOutput struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Trigger    string `json:"trigger" jsonschema:"cron expression, interval or one-time instant"`
	NextRun    string `json:"next_run,omitempty"`
	Running    bool   `json:"running"`
	Runs       int    `json:"runs"`
	Successes  int    `json:"successes"`
	Failures   int    `json:"failures"`
	Skipped    int    `json:"skipped"`
	LastStatus string `json:"last_status,omitempty"`
	LastRunAt  string `json:"last_run_at,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// ToJobOutput converts a job view.
func ToJobOutput(j *scheduler.Job) JobOutput {
	out := JobOutput{
		ID:        j.ID,
		Name:      j.Name,
		Trigger:   j.Trigger.String(),
		Running:   j.Running,
		Runs:      j.Stats.Runs,
		Successes: j.Stats.Successes,
		Failures:  j.Stats.Failures,
		Skipped:   j.Stats.Skipped,
		LastRunAt: formatTime(j.Stats.LastRunAt),
		LastError: j.Stats.LastError,
	}
	if j.NextRun != nil {
		out.NextRun = formatTime(*j.NextRun)
	}
	if j.LastResult != nil {
		out.LastStatus = string(j.LastResult.Status)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
