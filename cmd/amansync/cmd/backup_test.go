package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amansync/internal/backup"
	"github.com/Aman-CERP/amansync/internal/index"
)

func TestBackupCmd_ListEmpty(t *testing.T) {
	root := newProject(t)

	assert.Contains(t, mustRun(t, root, "backup", "list"), "No backups.")
	assert.Empty(t, decodeJSON[[]*backup.Backup](t, mustRun(t, root, "backup", "list", "--json")))
}

func TestBackupCmd_RestoreRewindsLedger(t *testing.T) {
	// Given: two runs, the second adding a document
	root := newProject(t)
	mustRun(t, root, "sync")
	writeDoc(t, root, "docs/c.md", "# C\n\nThird document.\n")
	mustRun(t, root, "sync")

	backups := decodeJSON[[]*backup.Backup](t, mustRun(t, root, "backup", "list", "--json"))
	require.Len(t, backups, 2)

	// When: restoring the latest snapshot, taken before the second run
	out := mustRun(t, root, "backup", "restore")

	// Then: the ledger no longer knows c.md, so a preview lists it as new
	assert.Contains(t, out, "Restored ledger from "+backups[0].Name)
	cs := decodeJSON[index.ChangeSet](t, mustRun(t, root, "sync", "--dry-run", "--json"))
	assert.Equal(t, []string{"c.md"}, cs.New)
}

func TestBackupCmd_RestoreErrors(t *testing.T) {
	root := newProject(t)

	// No backups yet.
	_, err := run(t, root, "backup", "restore")
	assert.Error(t, err)

	// Unknown name.
	mustRun(t, root, "sync")
	_, err = run(t, root, "backup", "restore", "missing.db")
	assert.Error(t, err)
}

func TestBackupCmd_RestoreRefusesWhileSyncing(t *testing.T) {
	// Given: another process holds the sync lock
	root := newProject(t)
	mustRun(t, root, "sync")
	dataDir := filepath.Join(root, ".amansync")
	require.DirExists(t, dataDir)
	lock := backup.NewFileLock(filepath.Join(dataDir, index.LockFileName))
	ok, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = lock.Unlock() }()

	// When: restoring
	_, err = run(t, root, "backup", "restore")

	// Then: it refuses
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dataDir, "ledger.db"))
	assert.NoError(t, statErr)
}
