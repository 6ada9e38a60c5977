package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/store"
)

// Job is a scheduled synchronization run.
type Job struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Trigger    Trigger          `json:"trigger"`
	Config     index.JobConfig  `json:"config"`
	LastResult *index.RunReport `json:"last_result,omitempty"`
	Stats      Stats            `json:"stats"`
	CreatedAt  time.Time        `json:"created_at"`

	// NextRun and Running are runtime state; they are not persisted.
	NextRun *time.Time `json:"next_run,omitempty"`
	Running bool       `json:"running"`
}

// Stats accumulates a job's execution history.
type Stats struct {
	Runs          int           `json:"runs"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	Skipped       int           `json:"skipped"`
	LastRunAt     time.Time     `json:"last_run_at,omitempty"`
	LastSuccessAt time.Time     `json:"last_success_at,omitempty"`
	LastFailureAt time.Time     `json:"last_failure_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	LastDuration  time.Duration `json:"last_duration"`
}

func (j *Job) clone() *Job {
	c := *j
	c.NextRun = nil
	return &c
}

func toRecord(j *Job) (*store.JobRecord, error) {
	trigger, err := json.Marshal(j.Trigger)
	if err != nil {
		return nil, fmt.Errorf("encode trigger: %w", err)
	}
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	stats, err := json.Marshal(j.Stats)
	if err != nil {
		return nil, fmt.Errorf("encode stats: %w", err)
	}
	rec := &store.JobRecord{
		ID:        j.ID,
		Name:      j.Name,
		Trigger:   trigger,
		Config:    cfg,
		Stats:     stats,
		CreatedAt: j.CreatedAt,
	}
	if j.LastResult != nil {
		if rec.LastResult, err = json.Marshal(j.LastResult); err != nil {
			return nil, fmt.Errorf("encode last result: %w", err)
		}
	}
	return rec, nil
}

func fromRecord(rec *store.JobRecord) (*Job, error) {
	j := &Job{ID: rec.ID, Name: rec.Name, CreatedAt: rec.CreatedAt}
	if err := json.Unmarshal(rec.Trigger, &j.Trigger); err != nil {
		return nil, fmt.Errorf("decode trigger of job %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(rec.Config, &j.Config); err != nil {
		return nil, fmt.Errorf("decode config of job %s: %w", rec.ID, err)
	}
	if len(rec.Stats) > 0 {
		if err := json.Unmarshal(rec.Stats, &j.Stats); err != nil {
			return nil, fmt.Errorf("decode stats of job %s: %w", rec.ID, err)
		}
	}
	if len(rec.LastResult) > 0 {
		j.LastResult = &index.RunReport{}
		if err := json.Unmarshal(rec.LastResult, j.LastResult); err != nil {
			return nil, fmt.Errorf("decode last result of job %s: %w", rec.ID, err)
		}
	}
	return j, nil
}
