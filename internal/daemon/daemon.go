// Package daemon runs the long-lived sync service behind `amansync serve`:
// the job scheduler, the optional file watcher, hnsw compaction, a
// /metrics endpoint and a JSON-RPC control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amansync/internal/scheduler"
	"github.com/Aman-CERP/amansync/internal/watcher"
)

const (
	drainPoll           = 100 * time.Millisecond
	metricsReadTimeout  = 10 * time.Second
	metricsShutdownWait = 5 * time.Second
)

// Dependencies are the services the daemon hosts. Only Scheduler is required.
type Dependencies struct {
	Scheduler *scheduler.Scheduler

	// Watcher and Trigger are set together to run jobs on file changes.
	Watcher *watcher.Watcher
	Trigger *watcher.Trigger

	Compactor *Compactor

	// Metrics is served at /metrics on MetricsAddr when both are set.
	Metrics     http.Handler
	MetricsAddr string
}

// Daemon hosts the scheduler and its surrounding services for one project.
type Daemon struct {
	cfg     Config
	root    string
	deps    Dependencies
	pid     *PIDFile
	server  *Server
	started time.Time
}

// New validates cfg and deps.
func New(cfg Config, root string, deps Dependencies) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid daemon config: %w", err)
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("daemon requires a scheduler")
	}
	if (deps.Watcher == nil) != (deps.Trigger == nil) {
		return nil, fmt.Errorf("daemon requires both a watcher and a trigger, or neither")
	}
	d := &Daemon{
		cfg:  cfg,
		root: root,
		deps: deps,
		pid:  NewPIDFile(cfg.PIDPath),
	}
	d.server = NewServer(cfg.SocketPath, d)
	return d, nil
}

// Ready is closed once the control socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.server.Ready()
}

// Run starts every service and blocks until ctx is cancelled or a service
// fails. On the way out it lets running jobs finish within the shutdown
// grace period, then stops the scheduler and removes the PID file.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.cfg.EnsureDirs(); err != nil {
		return err
	}
	if err := d.pid.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := d.pid.Release(); err != nil {
			slog.Warn("pid_file_release_failed", slog.String("error", err.Error()))
		}
	}()

	// The scheduler outlives ctx so running jobs can drain.
	if err := d.deps.Scheduler.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	d.started = time.Now()
	slog.Info("daemon_started",
		slog.Int("pid", os.Getpid()),
		slog.String("root", d.root),
		slog.String("socket", d.cfg.SocketPath))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.ListenAndServe(gctx) })
	if d.deps.Watcher != nil {
		g.Go(func() error { return d.deps.Watcher.Run(gctx) })
		g.Go(func() error {
			d.deps.Trigger.Run(gctx, d.deps.Watcher.Batches())
			return nil
		})
	}
	if d.deps.Compactor != nil {
		g.Go(func() error {
			d.deps.Compactor.Run(gctx)
			return nil
		})
	}
	if d.deps.Metrics != nil && d.deps.MetricsAddr != "" {
		g.Go(func() error { return d.serveMetrics(gctx) })
	}

	<-gctx.Done()
	slog.Info("daemon_stopping")
	err := g.Wait()

	d.deps.Scheduler.Pause()
	d.drain()
	d.deps.Scheduler.Stop()
	slog.Info("daemon_stopped", slog.Duration("uptime", time.Since(d.started).Round(time.Second)))
	return err
}

// drain waits for running jobs up to the shutdown grace period.
func (d *Daemon) drain() {
	if d.cfg.ShutdownGrace <= 0 {
		return
	}
	deadline := time.Now().Add(d.cfg.ShutdownGrace)
	for {
		running := d.runningJobs()
		if len(running) == 0 {
			return
		}
		if time.Now().After(deadline) {
			slog.Warn("daemon_drain_timeout",
				slog.Any("running_jobs", running),
				slog.Duration("grace", d.cfg.ShutdownGrace))
			return
		}
		time.Sleep(drainPoll)
	}
}

func (d *Daemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.deps.Metrics)
	srv := &http.Server{
		Addr:              d.deps.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadTimeout,
	}

	ln, err := net.Listen("tcp", d.deps.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.deps.MetricsAddr, err)
	}
	slog.Info("metrics_listening", slog.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownWait)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (d *Daemon) runningJobs() []string {
	var ids []string
	for _, j := range d.deps.Scheduler.List() {
		if j.Running {
			ids = append(ids, j.ID)
		}
	}
	return ids
}

// SchedulerIdle returns a func reporting whether s has no running job.
// It gates compaction.
func SchedulerIdle(s *scheduler.Scheduler) func() bool {
	return func() bool {
		for _, j := range s.List() {
			if j.Running {
				return false
			}
		}
		return true
	}
}

// Status implements Handler.
func (d *Daemon) Status() StatusResult {
	st := StatusResult{
		Running:     true,
		PID:         os.Getpid(),
		Root:        d.root,
		StartedAt:   d.started,
		Uptime:      time.Since(d.started).Round(time.Second),
		Jobs:        len(d.deps.Scheduler.List()),
		RunningJobs: d.runningJobs(),
	}
	if d.deps.Watcher != nil {
		st.WatchMode = d.deps.Watcher.Mode()
	}
	if d.deps.Compactor != nil {
		st.Compactions = d.deps.Compactor.Runs()
	}
	return st
}

// ListJobs implements Handler.
func (d *Daemon) ListJobs() []*scheduler.Job {
	return d.deps.Scheduler.List()
}

// RunJob implements Handler.
func (d *Daemon) RunJob(id string) error {
	return d.deps.Scheduler.RunNow(id)
}

// Job implements Handler.
func (d *Daemon) Job(id string) (*scheduler.Job, error) {
	return d.deps.Scheduler.Get(id)
}
