package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(context.Background(), filepath.Join(t.TempDir(), LedgerFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_UpsertAndGet(t *testing.T) {
	// Given: an empty ledger
	ctx := context.Background()
	l := openTestLedger(t)

	// When: two records are upserted
	at := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	err := l.UpsertBatch(ctx, []*DocumentRecord{
		{ID: "b.md", Checksum: "bb", LastIndexedAt: at, ChunkCount: 2, Extra: map[string]string{"path": "b.md"}},
		{ID: "a.md", Checksum: "aa", LastIndexedAt: at, ChunkCount: 1},
	})
	require.NoError(t, err)

	// Then: they round-trip with nanosecond timestamps and extras
	rec, err := l.Get(ctx, "b.md")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "bb", rec.Checksum)
	assert.Equal(t, 2, rec.ChunkCount)
	assert.True(t, at.Equal(rec.LastIndexedAt))
	assert.Equal(t, "b.md", rec.Extra["path"])

	// And: ids come back sorted
	ids, err := l.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md"}, ids)

	// And: an unknown id is nil without error
	missing, err := l.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedger_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	require.NoError(t, l.UpsertBatch(ctx, []*DocumentRecord{{ID: "a", Checksum: "1", ChunkCount: 1}}))
	require.NoError(t, l.UpsertBatch(ctx, []*DocumentRecord{{ID: "a", Checksum: "2", ChunkCount: 3}}))

	rec, err := l.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", rec.Checksum)
	assert.Equal(t, 3, rec.ChunkCount)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLedger_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.UpsertBatch(ctx, []*DocumentRecord{
		{ID: "a", Checksum: "1"}, {ID: "b", Checksum: "2"}, {ID: "c", Checksum: "3"},
	}))

	// Unknown ids are ignored.
	require.NoError(t, l.DeleteBatch(ctx, []string{"a", "zzz"}))
	ids, err := l.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)

	require.NoError(t, l.Clear(ctx))
	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLedger_PersistsAcrossReopen(t *testing.T) {
	// Given: a ledger with one record, checkpointed and closed
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), LedgerFileName)
	l, err := OpenLedger(ctx, path)
	require.NoError(t, err)
	require.NoError(t, l.UpsertBatch(ctx, []*DocumentRecord{{ID: "a", Checksum: "x", ChunkCount: 4}}))
	require.NoError(t, l.Checkpoint(ctx))
	require.NoError(t, l.Close())

	// When: it is used after Close
	_, err = l.Count(ctx)
	assert.ErrorIs(t, err, ErrLedgerClosed)

	// And: reopened
	require.NoError(t, l.Reopen(ctx))
	defer func() { _ = l.Close() }()

	// Then: the record is still there
	rec, err := l.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 4, rec.ChunkCount)
	assert.NoError(t, l.CheckIntegrity(ctx))
}

func TestOpenLedger_Corrupt(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"garbage bytes", []byte("this is definitely not an sqlite database, just text padding it out")},
		{"full page of noise", bytes.Repeat([]byte("x"), 4096)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a ledger file that is not a database
			path := filepath.Join(t.TempDir(), LedgerFileName)
			require.NoError(t, os.WriteFile(path, tt.content, 0o644))

			// When: it is opened
			_, err := OpenLedger(context.Background(), path)

			// Then: LedgerCorrupt is returned and the file is untouched
			require.Error(t, err)
			assert.True(t, errors.Is(err, amerrors.ErrLedgerCorrupt), "got %v", err)
			data, readErr := os.ReadFile(path)
			require.NoError(t, readErr)
			assert.Equal(t, tt.content, data)
		})
	}
}

func TestOpenLedger_MissingTable(t *testing.T) {
	// Given: a valid SQLite file without the documents table
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), LedgerFileName)
	db, err := openSQLite(path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE other (x INTEGER)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// When/Then: opening it as a ledger reports corruption
	_, err = OpenLedger(ctx, path)
	assert.ErrorIs(t, err, amerrors.ErrLedgerCorrupt)
}

func TestLedger_QueryFailureIsCorrupt(t *testing.T) {
	// Given: a database whose reads fail
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.ExpectQuery("SELECT id, checksum").WillReturnError(errors.New("disk I/O error"))

	// When: All is called
	_, err = NewLedgerWithDB(db, "mock.db").All(context.Background())

	// Then: the failure is reported as LedgerCorrupt
	assert.ErrorIs(t, err, amerrors.ErrLedgerCorrupt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_UndecodableExtraIsCorrupt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	rows := sqlmock.NewRows([]string{"id", "checksum", "last_indexed_at", "chunk_count", "extra"}).
		AddRow("a", "x", int64(0), 1, "{not json")
	mock.ExpectQuery("SELECT id, checksum").WillReturnRows(rows)

	_, err = NewLedgerWithDB(db, "mock.db").All(context.Background())
	assert.ErrorIs(t, err, amerrors.ErrLedgerCorrupt)
}

func TestLedger_WriteFailureRollsBack(t *testing.T) {
	// Given: a database that fails the second insert
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO documents")
	prep.ExpectExec().WithArgs("a", "1", sqlmock.AnyArg(), 1, "{}").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("b", "2", sqlmock.AnyArg(), 1, "{}").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	// When: a batch is upserted
	err = NewLedgerWithDB(db, "mock.db").UpsertBatch(context.Background(), []*DocumentRecord{
		{ID: "a", Checksum: "1", ChunkCount: 1},
		{ID: "b", Checksum: "2", ChunkCount: 1},
	})

	// Then: the whole transaction is rolled back with a write error
	require.Error(t, err)
	assert.Equal(t, amerrors.ErrCodeLedgerWrite, amerrors.GetCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
