package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
)

// JobsFileName is the job database inside the data directory.
const JobsFileName = "jobs.db"

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	trigger     TEXT NOT NULL,
	config      TEXT NOT NULL,
	stats       TEXT NOT NULL DEFAULT '{}',
	last_result TEXT,
	created_at  INTEGER NOT NULL
)`

// JobRecord is the persisted form of a scheduled job. The scheduler owns
// the JSON encodings of the trigger, config, stats and last result.
type JobRecord struct {
	ID         string
	Name       string
	Trigger    json.RawMessage
	Config     json.RawMessage
	Stats      json.RawMessage
	LastResult json.RawMessage
	CreatedAt  time.Time
}

// JobStore persists jobs in SQLite.
type JobStore struct {
	db *sql.DB
}

// OpenJobStore opens or creates the job database at path. An empty path
// keeps jobs in memory.
func OpenJobStore(ctx context.Context, path string) (*JobStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, jobsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create jobs schema: %w", err)
	}
	return &JobStore{db: db}, nil
}

// NewJobStoreWithDB wraps an already-open database.
func NewJobStoreWithDB(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// Save inserts or replaces rec.
func (s *JobStore) Save(ctx context.Context, rec *JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, trigger, config, stats, last_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			trigger = excluded.trigger,
			config = excluded.config,
			stats = excluded.stats,
			last_result = excluded.last_result`,
		rec.ID, rec.Name, string(rec.Trigger), string(rec.Config), rawOr(rec.Stats, "{}"),
		nullable(rec.LastResult), rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save job %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the job. Unknown ids yield ErrJobNotFound.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return amerrors.New(amerrors.ErrCodeJobNotFound, fmt.Sprintf("job %s not found", id), nil)
	}
	return nil
}

// Get returns the job or ErrJobNotFound.
func (s *JobStore) Get(ctx context.Context, id string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, trigger, config, stats, last_result, created_at
		FROM jobs WHERE id = ?`, id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, amerrors.New(amerrors.ErrCodeJobNotFound, fmt.Sprintf("job %s not found", id), nil)
	}
	return rec, err
}

// List returns every job in creation order.
func (s *JobStore) List(ctx context.Context) ([]*JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, trigger, config, stats, last_result, created_at
		FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *JobStore) Close() error {
	return s.db.Close()
}

func scanJob(s rowScanner) (*JobRecord, error) {
	var (
		rec                 JobRecord
		trigger, cfg, stats string
		lastResult          sql.NullString
		created             int64
	)
	if err := s.Scan(&rec.ID, &rec.Name, &trigger, &cfg, &stats, &lastResult, &created); err != nil {
		return nil, err
	}
	rec.Trigger = json.RawMessage(trigger)
	rec.Config = json.RawMessage(cfg)
	rec.Stats = json.RawMessage(stats)
	if lastResult.Valid {
		rec.LastResult = json.RawMessage(lastResult.String)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return &rec, nil
}

func rawOr(b json.RawMessage, def string) string {
	if len(b) == 0 {
		return def
	}
	return string(b)
}

func nullable(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
