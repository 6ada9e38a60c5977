package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amansync/internal/daemon"
	"github.com/Aman-CERP/amansync/internal/output"
	"github.com/Aman-CERP/amansync/internal/store"
	"github.com/Aman-CERP/amansync/internal/telemetry"
	"github.com/Aman-CERP/amansync/internal/watcher"
	"github.com/Aman-CERP/amansync/pkg/version"
)

const telemetryShutdownWait = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		watch       bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon in the foreground",
		Long: `Run the scheduler for this project until interrupted.

The daemon fires scheduled jobs, optionally runs jobs when files under
their source change, compacts the local hnsw graph while idle and answers
'amansync jobs' commands over a control socket in .amansync/.

On SIGINT or SIGTERM running jobs get daemon.shutdown_grace to finish.`,
		Example: `  # Start the daemon
  amansync serve

  # Also run jobs on file changes and expose Prometheus metrics
  amansync serve --watch --metrics-addr 127.0.0.1:9464`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, watch, metricsAddr)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Run jobs when files under their source change (overrides scheduler.watch)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics on this address (overrides telemetry.metrics_addr)")

	return cmd
}

func runServe(cmd *cobra.Command, watch bool, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	providers, err := telemetry.Init(cfg.Telemetry, version.Version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownWait)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			slog.Warn("telemetry_shutdown_failed", slog.String("error", err.Error()))
		}
	}()
	metrics, err := telemetry.NewSyncMetrics(providers.Meter)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	// The daemon owns the index for its lifetime.
	if _, err := a.Runner(ctx); err != nil {
		return err
	}
	sched, err := a.Scheduler(ctx)
	if err != nil {
		return err
	}
	err = telemetry.RegisterJobGauges(providers.Meter, func() (int, int) {
		jobs := sched.List()
		running := 0
		for _, j := range jobs {
			if j.Running {
				running++
			}
		}
		return len(jobs), running
	})
	if err != nil {
		return err
	}

	deps := daemon.Dependencies{
		Scheduler: sched,
		Metrics:   providers.Handler,
	}
	deps.MetricsAddr = a.cfg.Telemetry.MetricsAddr
	if metricsAddr != "" {
		deps.MetricsAddr = metricsAddr
	}

	if watch || a.cfg.Scheduler.Watch {
		w, err := watcher.New(a.root, watcher.Options{
			DebounceWindow: a.cfg.Scheduler.WatchDebounce,
			IgnorePatterns: a.cfg.Source.Exclude,
		})
		if err != nil {
			return err
		}
		deps.Watcher = w
		deps.Trigger = watcher.NewTrigger(a.root, a.cfg.Source.Path, sched)
	}

	if hnsw, ok := a.backend.(*store.HNSWIndex); ok && a.cfg.Daemon.CompactInterval > 0 {
		deps.Compactor = daemon.NewCompactor(hnsw, daemon.PolicyFromConfig(a.cfg.Daemon), daemon.SchedulerIdle(sched))
	}

	d, err := daemon.New(daemon.NewConfig(a.cfg.Daemon, a.dataDir), a.root, deps)
	if err != nil {
		return err
	}

	out := output.New(cmd.ErrOrStderr())
	go func() {
		select {
		case <-d.Ready():
			out.Successf("Daemon running for %s (%d jobs)", a.root, len(sched.List()))
			if deps.MetricsAddr != "" && deps.Metrics != nil {
				out.Statusf("", "Metrics on http://%s/metrics", deps.MetricsAddr)
			}
		case <-ctx.Done():
		}
	}()

	return d.Run(ctx)
}
