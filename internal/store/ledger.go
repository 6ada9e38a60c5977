package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
)

// LedgerFileName is the ledger database inside the data directory.
const LedgerFileName = "ledger.db"

const ledgerTable = "documents"

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY,
	checksum        TEXT NOT NULL,
	last_indexed_at INTEGER NOT NULL,
	chunk_count     INTEGER NOT NULL,
	extra           TEXT NOT NULL DEFAULT '{}'
)`

// ErrLedgerClosed is returned by operations on a closed ledger.
var ErrLedgerClosed = errors.New("ledger is closed")

// Ledger is the durable id -> DocumentRecord mapping. It has a single
// writer: the synchronization run holding the sync lock.
type Ledger struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// OpenLedger opens or creates the ledger at path. An existing file that
// fails the integrity check yields a LedgerCorrupt error and is left
// untouched for the operator to restore.
func OpenLedger(ctx context.Context, path string) (*Ledger, error) {
	db, err := openLedgerDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db, path: path}, nil
}

// NewLedgerWithDB wraps an already-open database. The schema is assumed
// to exist.
func NewLedgerWithDB(db *sql.DB, path string) *Ledger {
	return &Ledger{db: db, path: path}
}

func openLedgerDB(ctx context.Context, path string) (*sql.DB, error) {
	existed := false
	if path != "" {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			existed = true
		}
	}

	db, err := openSQLite(path)
	if err != nil {
		if existed {
			return nil, amerrors.LedgerCorrupt(path, err)
		}
		return nil, amerrors.New(amerrors.ErrCodeLedgerWrite, "failed to create ledger", err)
	}

	if existed {
		ok, err := tableExists(ctx, db, ledgerTable)
		if err == nil && !ok {
			err = fmt.Errorf("table %s missing", ledgerTable)
		}
		if err == nil {
			err = integrityCheck(ctx, db, ledgerTable)
		}
		if err != nil {
			_ = db.Close()
			return nil, amerrors.LedgerCorrupt(path, err)
		}
		return db, nil
	}

	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		_ = db.Close()
		return nil, amerrors.New(amerrors.ErrCodeLedgerWrite, "failed to create ledger schema", err)
	}
	return db, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) conn() (*sql.DB, func(), error) {
	l.mu.RLock()
	if l.db == nil {
		l.mu.RUnlock()
		return nil, nil, ErrLedgerClosed
	}
	return l.db, l.mu.RUnlock, nil
}

// All returns every record keyed by id.
func (l *Ledger) All(ctx context.Context) (map[string]*DocumentRecord, error) {
	db, release, err := l.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx,
		"SELECT id, checksum, last_indexed_at, chunk_count, extra FROM documents")
	if err != nil {
		return nil, amerrors.LedgerCorrupt(l.path, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*DocumentRecord)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, amerrors.LedgerCorrupt(l.path, err)
		}
		out[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, amerrors.LedgerCorrupt(l.path, err)
	}
	return out, nil
}

// Get returns the record for id, or nil if absent.
func (l *Ledger) Get(ctx context.Context, id string) (*DocumentRecord, error) {
	db, release, err := l.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.QueryRowContext(ctx,
		"SELECT id, checksum, last_indexed_at, chunk_count, extra FROM documents WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, amerrors.LedgerCorrupt(l.path, err)
	}
	return rec, nil
}

// IDs returns every id, sorted.
func (l *Ledger) IDs(ctx context.Context) ([]string, error) {
	all, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of records.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	db, release, err := l.conn()
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, amerrors.LedgerCorrupt(l.path, err)
	}
	return n, nil
}

// UpsertBatch writes recs in one transaction.
func (l *Ledger) UpsertBatch(ctx context.Context, recs []*DocumentRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return l.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO documents (id, checksum, last_indexed_at, chunk_count, extra)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				checksum = excluded.checksum,
				last_indexed_at = excluded.last_indexed_at,
				chunk_count = excluded.chunk_count,
				extra = excluded.extra`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range recs {
			extra, err := json.Marshal(r.Extra)
			if err != nil {
				return fmt.Errorf("encode extra for %s: %w", r.ID, err)
			}
			if r.Extra == nil {
				extra = []byte("{}")
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.Checksum, r.LastIndexedAt.UnixNano(), r.ChunkCount, string(extra)); err != nil {
				return fmt.Errorf("upsert %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// DeleteBatch removes ids in one transaction. Unknown ids are ignored.
func (l *Ledger) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return l.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "DELETE FROM documents WHERE id = ?")
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
		}
		return nil
	})
}

// Clear removes every record.
func (l *Ledger) Clear(ctx context.Context) error {
	return l.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM documents")
		return err
	})
}

func (l *Ledger) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	db, release, err := l.conn()
	if err != nil {
		return err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeLedgerWrite, "failed to begin ledger transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("ledger_rollback_failed", slog.String("error", rbErr.Error()))
		}
		return amerrors.New(amerrors.ErrCodeLedgerWrite, "ledger write failed", err)
	}
	if err := tx.Commit(); err != nil {
		return amerrors.New(amerrors.ErrCodeLedgerWrite, "failed to commit ledger transaction", err)
	}
	return nil
}

// CheckIntegrity runs PRAGMA integrity_check plus a row read.
func (l *Ledger) CheckIntegrity(ctx context.Context) error {
	db, release, err := l.conn()
	if err != nil {
		return err
	}
	defer release()

	if err := integrityCheck(ctx, db, ledgerTable); err != nil {
		return amerrors.LedgerCorrupt(l.path, err)
	}
	return nil
}

// Checkpoint folds the WAL into the main database file so that a plain
// file copy captures every committed write.
func (l *Ledger) Checkpoint(ctx context.Context) error {
	db, release, err := l.conn()
	if err != nil {
		return err
	}
	defer release()

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Close closes the database. Further calls return ErrLedgerClosed until
// Reopen.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// Reopen closes the current connection, if any, and opens the file again.
func (l *Ledger) Reopen(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		_ = l.db.Close()
		l.db = nil
	}
	db, err := openLedgerDB(ctx, l.path)
	if err != nil {
		return err
	}
	l.db = db
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*DocumentRecord, error) {
	var (
		rec   DocumentRecord
		nanos int64
		extra string
	)
	if err := s.Scan(&rec.ID, &rec.Checksum, &nanos, &rec.ChunkCount, &extra); err != nil {
		return nil, err
	}
	rec.LastIndexedAt = time.Unix(0, nanos).UTC()
	if extra != "" && extra != "{}" {
		if err := json.Unmarshal([]byte(extra), &rec.Extra); err != nil {
			return nil, fmt.Errorf("decode extra for %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}
