// Package backup snapshots and restores the document ledger.
//
// A snapshot is a verbatim copy of the ledger database file taken after a
// WAL checkpoint, so restoring it reproduces the ledger byte for byte.
package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/store"
)

// DirName is the backup directory inside the data directory.
const DirName = "backups"

// TimeFormat is the timestamp suffix of a backup file name.
const TimeFormat = "20060102-150405.000000000"

const lockFileName = ".backup.lock"

// Backup is an immutable copy of the ledger file.
type Backup struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Manager owns the backup directory of one ledger.
type Manager struct {
	ledger *store.Ledger
	dir    string
	prefix string
	lock   *FileLock
	now    func() time.Time
}

// NewManager creates a manager keeping backups of ledger in dir.
func NewManager(ledger *store.Ledger, dir string) *Manager {
	return &Manager{
		ledger: ledger,
		dir:    dir,
		prefix: filepath.Base(ledger.Path()) + ".bak.",
		lock:   NewFileLock(filepath.Join(dir, lockFileName)),
		now:    time.Now,
	}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) withLock(fn func() error) error {
	if err := m.lock.Lock(); err != nil {
		return amerrors.New(amerrors.ErrCodeLockHeld, "failed to lock backup directory", err)
	}
	defer func() {
		if err := m.lock.Unlock(); err != nil {
			slog.Warn("backup_unlock_failed", slog.String("error", err.Error()))
		}
	}()
	return fn()
}

// Snapshot checkpoints the ledger and copies its file into the backup
// directory.
func (m *Manager) Snapshot(ctx context.Context) (*Backup, error) {
	var b *Backup
	err := m.withLock(func() error {
		if err := m.ledger.Checkpoint(ctx); err != nil {
			return amerrors.New(amerrors.ErrCodeBackupFailed, "failed to checkpoint ledger", err)
		}

		created := m.now().UTC()
		name := m.prefix + created.Format(TimeFormat)
		path := filepath.Join(m.dir, name)
		size, err := copyFileAtomic(m.ledger.Path(), path)
		if err != nil {
			return amerrors.New(amerrors.ErrCodeBackupFailed, "failed to copy ledger", err)
		}
		b = &Backup{Name: name, Path: path, CreatedAt: created, Size: size}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("ledger_snapshot",
		slog.String("backup", b.Name),
		slog.Int64("size", b.Size))
	return b, nil
}

// Restore replaces the ledger with b. The ledger is closed for the
// duration and reopened afterwards.
func (m *Manager) Restore(ctx context.Context, b *Backup) error {
	if b == nil {
		return amerrors.New(amerrors.ErrCodeBackupFailed, "no backup to restore", nil)
	}
	err := m.withLock(func() error {
		if _, err := os.Stat(b.Path); err != nil {
			return amerrors.New(amerrors.ErrCodeBackupFailed, fmt.Sprintf("backup %s unavailable", b.Name), err)
		}
		if err := m.ledger.Close(); err != nil {
			slog.Warn("ledger_close_failed", slog.String("error", err.Error()))
		}

		live := m.ledger.Path()
		if _, err := copyFileAtomic(b.Path, live); err != nil {
			return amerrors.New(amerrors.ErrCodeBackupFailed, "failed to replace ledger", err)
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			if err := os.Remove(live + suffix); err != nil && !os.IsNotExist(err) {
				return amerrors.New(amerrors.ErrCodeBackupFailed, "failed to remove stale "+suffix, err)
			}
		}
		return m.ledger.Reopen(ctx)
	})
	if err != nil {
		return err
	}
	slog.Info("ledger_restored", slog.String("backup", b.Name))
	return nil
}

// List returns the backups, newest first.
func (m *Manager) List() ([]*Backup, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var out []*Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, m.prefix) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		created, err := time.Parse(TimeFormat, strings.TrimPrefix(name, m.prefix))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, &Backup{
			Name:      name,
			Path:      filepath.Join(m.dir, name),
			CreatedAt: created,
			Size:      info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Latest returns the most recent backup, or nil if there is none.
func (m *Manager) Latest() (*Backup, error) {
	all, err := m.List()
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// Find returns the backup called name.
func (m *Manager) Find(name string) (*Backup, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, b := range all {
		if b.Name == name {
			return b, nil
		}
	}
	return nil, amerrors.New(amerrors.ErrCodeFileNotFound, fmt.Sprintf("backup %s not found", name), nil)
}

// Prune deletes all but the keep most recent backups and returns how many
// were removed.
func (m *Manager) Prune(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	removed := 0
	err := m.withLock(func() error {
		all, err := m.List()
		if err != nil {
			return err
		}
		if len(all) <= keep {
			return nil
		}
		for _, b := range all[keep:] {
			if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s: %w", b.Name, err)
			}
			removed++
		}
		return nil
	})
	if removed > 0 {
		slog.Debug("backups_pruned", slog.Int("removed", removed), slog.Int("kept", keep))
	}
	return removed, err
}

// copyFileAtomic copies src to dst through a temp file in dst's directory.
func copyFileAtomic(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, nil
}
