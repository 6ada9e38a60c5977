package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amansync/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var transport string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve sync tools over the Model Context Protocol",
		Long: `Expose run_sync, dry_run, health_check, list_jobs and run_job as MCP tools.

The server speaks JSON-RPC on stdin and stdout, so nothing else is written
to stdout while it runs. Logs go to the log file.`,
		Example: `  # Register with an MCP client
  {"command": "amansync", "args": ["mcp", "-C", "/path/to/project"]}`,
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			sched, err := a.Scheduler(ctx)
			if err != nil {
				return err
			}

			srv, err := mcp.NewServer(mcp.Dependencies{
				Syncer: runner,
				Health: runner.Health(),
				Jobs:   sched,
			})
			if err != nil {
				return err
			}
			return srv.Serve(ctx, transport)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport to serve on")

	return cmd
}
