package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/output"
)

type syncOptions struct {
	dryRun     bool
	full       bool
	source     string
	pattern    string
	batchSize  int
	jsonOutput bool
}

func newSyncCmd() *cobra.Command {
	var opts syncOptions

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the index with the source",
		Long: `Scan the source, classify every document against the ledger and apply
new, modified and deleted documents to the index in batches.

When the share of changed documents exceeds sync.full_rebuild_threshold
the run clears and reloads the whole index instead.`,
		Example: `  # Incremental sync of the configured source
  amansync sync

  # Show what would change
  amansync sync --dry-run

  # Rebuild everything under docs/ matching *.md
  amansync sync --full --source docs --pattern '**/*.md'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Classify changes without touching the index or the ledger")
	cmd.Flags().BoolVar(&opts.full, "full", false, "Force a full rebuild")
	cmd.Flags().StringVar(&opts.source, "source", "", "Source directory (overrides source.path)")
	cmd.Flags().StringVar(&opts.pattern, "pattern", "", "Include glob (overrides source.pattern)")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Documents per batch (overrides sync.batch_size)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the report as JSON")

	return cmd
}

func runSync(cmd *cobra.Command, opts syncOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	runner, err := a.Runner(ctx)
	if err != nil {
		return err
	}

	jc := index.JobConfig{
		SourcePath:       opts.source,
		Pattern:          opts.pattern,
		BatchSize:        opts.batchSize,
		DryRun:           opts.dryRun,
		ForceFullRebuild: opts.full,
	}

	if opts.dryRun {
		cs, err := runner.DryRun(ctx, jc)
		if err != nil {
			return err
		}
		if opts.jsonOutput {
			return writeJSON(cmd.OutOrStdout(), cs)
		}
		printChangeSet(output.New(cmd.OutOrStdout()), cs)
		return nil
	}

	report, err := runner.Run(ctx, jc)
	if report != nil {
		if opts.jsonOutput {
			if jerr := writeJSON(cmd.OutOrStdout(), report); jerr != nil {
				return jerr
			}
		} else {
			printRunReport(output.New(cmd.OutOrStdout()), report)
		}
	}
	if err != nil {
		return err
	}
	if report.Status == index.StatusFailed {
		return fmt.Errorf("sync failed: %d of %d changed documents could not be applied", len(report.FailedIDs), report.New+report.Modified+report.Deleted)
	}
	return nil
}

func printChangeSet(out *output.Writer, cs *index.ChangeSet) {
	if cs.Changed() == 0 && !cs.FullRebuild {
		out.Successf("Index is up to date (%s unchanged)", output.Count(len(cs.Unchanged)))
		return
	}

	out.Heading("Pending changes")
	mode := "incremental"
	if cs.FullRebuild {
		mode = "full rebuild"
	}
	out.KeyValues([][2]string{
		{"Mode", mode},
		{"Changed", fmt.Sprintf("%s %.0f%%", output.Bar(cs.ChangedFraction, 20), cs.ChangedFraction*100)},
	})
	out.Newline()

	var rows [][]string
	for _, group := range []struct {
		kind string
		ids  []string
	}{{"new", cs.New}, {"modified", cs.Modified}, {"deleted", cs.Deleted}} {
		for _, id := range group.ids {
			rows = append(rows, []string{group.kind, id})
		}
	}
	out.Table([]string{"change", "document"}, rows)
	out.Statusf("", "%s unchanged", output.Count(len(cs.Unchanged)))
}

func printRunReport(out *output.Writer, r *index.RunReport) {
	switch r.Status {
	case index.StatusSuccess:
		out.Successf("Sync complete in %s", r.Duration.Round(time.Millisecond))
	case index.StatusPartial:
		out.Warningf("Sync partially applied: %d failed", len(r.FailedIDs))
	default:
		out.Errorf("Sync failed: %s", r.Error)
	}

	mode := "incremental"
	if r.FullRebuild {
		mode = "full rebuild"
	}
	pairs := [][2]string{
		{"Run", r.RunID},
		{"Mode", fmt.Sprintf("%s (%.0f%% changed)", mode, r.ChangedFraction*100)},
		{"New", output.Count(r.New)},
		{"Modified", output.Count(r.Modified)},
		{"Deleted", output.Count(r.Deleted)},
		{"Unchanged", output.Count(r.Unchanged)},
		{"Applied", output.Count(r.Applied)},
		{"Batches", output.Count(r.Batches)},
	}
	if r.RolledBack {
		pairs = append(pairs, [2]string{"Rolled back to", r.Backup})
	}
	if r.Health != nil {
		pairs = append(pairs, [2]string{"Health", string(r.Health.Status)})
	}
	out.KeyValues(pairs)

	if len(r.FailedIDs) > 0 {
		out.Newline()
		rows := make([][]string, 0, len(r.FailedIDs))
		for _, id := range r.FailedIDs {
			rows = append(rows, []string{id, r.Failures[id]})
		}
		out.Table([]string{"failed document", "error"}, rows)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
