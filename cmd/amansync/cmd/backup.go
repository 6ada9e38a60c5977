package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amansync/internal/backup"
	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/output"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "List and restore ledger snapshots",
		Long: `Every sync run snapshots the ledger before it changes anything. A run that
fails rolls back on its own; these commands restore a snapshot by hand.

Restoring only rewinds the ledger. Run 'amansync sync' afterwards to bring
the index back in line.`,
	}

	cmd.AddCommand(newBackupListCmd())
	cmd.AddCommand(newBackupRestoreCmd())

	return cmd
}

// backups returns a manager over the app's ledger without opening the index.
func (a *app) backups() *backup.Manager {
	return backup.NewManager(a.ledger, filepath.Join(a.dataDir, backup.DirName))
}

func newBackupListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger snapshots, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			all, err := a.backups().List()
			if err != nil {
				return err
			}
			if jsonOutput {
				if all == nil {
					all = []*backup.Backup{}
				}
				return writeJSON(cmd.OutOrStdout(), all)
			}

			out := output.New(cmd.OutOrStdout())
			if len(all) == 0 {
				out.Status("", "No backups.")
				return nil
			}
			rows := make([][]string, 0, len(all))
			for _, b := range all {
				rows = append(rows, []string{
					b.Name,
					b.CreatedAt.Local().Format(time.DateTime),
					output.Ago(b.CreatedAt),
					output.Bytes(b.Size),
				})
			}
			out.Table([]string{"name", "created", "age", "size"}, rows)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output backups as JSON")

	return cmd
}

func newBackupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [name]",
		Short: "Restore the ledger from a snapshot (default: the latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			lock := backup.NewFileLock(filepath.Join(a.dataDir, index.LockFileName))
			ok, err := lock.TryLock()
			if err != nil {
				return err
			}
			if !ok {
				return amerrors.New(amerrors.ErrCodeLockHeld, "a sync is running", nil).
					WithSuggestion("Wait for it to finish, or stop 'amansync serve'")
			}
			defer func() { _ = lock.Unlock() }()

			mgr := a.backups()
			var b *backup.Backup
			if len(args) == 1 {
				b, err = mgr.Find(args[0])
			} else {
				b, err = mgr.Latest()
			}
			if err != nil {
				return err
			}
			if b == nil {
				return fmt.Errorf("no backups in %s", mgr.Dir())
			}
			if err := mgr.Restore(cmd.Context(), b); err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			out.Successf("Restored ledger from %s (%s)", b.Name, output.Ago(b.CreatedAt))
			out.Status("", "Run 'amansync sync' to reconcile the index.")
			return nil
		},
	}
}
