// Package cmd provides the CLI commands for amansync.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amansync/internal/config"
	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/pkg/version"
)

// Global flags
var (
	debugMode  bool
	projectDir string
)

// NewRootCmd creates the root command for amansync CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "amansync",
		Short: "Incremental document index synchronization",
		Long: `amansync keeps a document index in step with its sources.

Each run scans the source, compares checksums against a local ledger and
sends only new, modified and deleted documents to the index. A failed run
rolls the ledger back to the snapshot taken before it started.

Runs can be started by hand, scheduled with cron or interval jobs, or
triggered by file changes while 'amansync serve' is running.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("amansync version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to the log file and stderr")
	cmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", "", "Project directory (default: nearest parent holding .amansync.yaml or .git)")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and prints a formatted error on failure.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprint(os.Stderr, amerrors.FormatForCLI(err))
	}
	return err
}

// resolveRoot returns --dir as given, or the project root found above
// the working directory.
func resolveRoot() (string, error) {
	if projectDir != "" {
		return filepath.Abs(projectDir)
	}
	return config.FindProjectRoot(".")
}
