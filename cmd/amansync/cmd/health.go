package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/output"
)

func newHealthCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the ledger and the index agree",
		Long: `Run the health checks: index reachability, ledger integrity, per-document
chunk counts, orphaned index documents and backup retention.

Exits non-zero when the index is unhealthy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			runner, err := a.Runner(cmd.Context())
			if err != nil {
				return err
			}

			report, err := runner.Health().Check(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printHealth(output.New(cmd.OutOrStdout()), report)
			}
			if report.Status == index.HealthUnhealthy {
				return fmt.Errorf("index is unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	return cmd
}

func printHealth(out *output.Writer, r *index.HealthReport) {
	switch r.Status {
	case index.HealthHealthy:
		out.Success("Index is healthy")
	case index.HealthDegraded:
		out.Warning("Index is degraded")
	default:
		out.Error("Index is unhealthy")
	}

	rows := make([][]string, 0, len(r.Checks))
	for _, c := range r.Checks {
		detail := c.Message
		if len(c.IDs) > 0 {
			detail = strings.TrimSpace(detail + " " + strings.Join(c.IDs, ", "))
		}
		rows = append(rows, []string{c.Name, string(c.Status), detail})
	}
	out.Table([]string{"check", "status", "detail"}, rows)
}
