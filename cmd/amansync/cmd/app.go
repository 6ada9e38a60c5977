package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Aman-CERP/amansync/internal/config"
	"github.com/Aman-CERP/amansync/internal/embed"
	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/logging"
	"github.com/Aman-CERP/amansync/internal/notify"
	"github.com/Aman-CERP/amansync/internal/scheduler"
	"github.com/Aman-CERP/amansync/internal/store"
)

// app is the wired set of services one command works with.
type app struct {
	root    string
	dataDir string
	cfg     *config.Config

	ledger    *store.Ledger
	backend   store.Backend
	index     *index.ResilientIndex
	runner    *index.Runner
	observers []index.Observer
	notifier  *notify.Notifier
	jobStore  *store.JobStore

	closers []func() error
}

// loadConfig resolves the project root and loads its configuration.
func loadConfig() (string, *config.Config, error) {
	root, err := resolveRoot()
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}

// openApp loads configuration, sets up logging and opens the ledger.
// observers are attached to the runner once the index is opened. Close
// releases everything.
func openApp(ctx context.Context, observers ...index.Observer) (_ *app, err error) {
	root, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{root: root, dataDir: config.DataDir(root), cfg: cfg, observers: observers}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.closers = append(a.closers, setupLogging(cfg.Logging))
	slog.Debug("app_opening",
		slog.String("root", root),
		slog.String("backend", cfg.Index.Backend))

	a.ledger, err = store.OpenLedger(ctx, filepath.Join(a.dataDir, store.LedgerFileName))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.ledger.Close)
	return a, nil
}

// Runner opens the index backend on first use and returns the runner
// over it.
func (a *app) Runner(ctx context.Context) (*index.Runner, error) {
	if a.runner != nil {
		return a.runner, nil
	}
	cfg := a.cfg

	emb, err := embed.New(cfg.Embeddings)
	if err != nil {
		return nil, amerrors.ConfigError("embeddings", err)
	}
	a.closers = append(a.closers, emb.Close)

	a.backend, err = store.OpenIndex(ctx, cfg.Index, a.dataDir, emb)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.backend.Close)

	breaker := amerrors.NewCircuitBreaker("index",
		amerrors.WithMaxFailures(cfg.Index.CircuitMaxFailures),
		amerrors.WithResetTimeout(cfg.Index.CircuitResetTimeout),
		amerrors.WithStateChange(func(name string, from, to amerrors.State) {
			slog.Warn("circuit_state_changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}))
	a.index = index.NewResilientIndex(a.backend, cfg.Index.Retry, breaker)

	a.notifier, err = notify.Dial(cfg.Notify, a.root)
	if err != nil {
		return nil, err
	}
	observers := a.observers
	if a.notifier != nil {
		observers = append(observers, a.notifier)
		a.closers = append(a.closers, func() error { a.notifier.Close(); return nil })
	}

	runner, err := index.NewRunner(index.Dependencies{
		Config:    cfg,
		Root:      a.root,
		DataDir:   a.dataDir,
		Ledger:    a.ledger,
		Index:     a.index,
		Observers: observers,
	})
	if err != nil {
		return nil, err
	}
	a.runner = runner
	return runner, nil
}

// jobRunner opens the index on the first run, so commands that only
// manage jobs never touch the backend.
type jobRunner struct {
	a *app
}

func (r jobRunner) Run(ctx context.Context, jc index.JobConfig) (*index.RunReport, error) {
	runner, err := r.a.Runner(ctx)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, jc)
}

// Scheduler opens the job store and returns a scheduler over it. The
// scheduler is not started.
func (a *app) Scheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	if a.jobStore == nil {
		js, err := store.OpenJobStore(ctx, filepath.Join(a.dataDir, store.JobsFileName))
		if err != nil {
			return nil, err
		}
		a.jobStore = js
		a.closers = append(a.closers, js.Close)
	}
	return scheduler.New(ctx, a.cfg.Scheduler, jobRunner{a: a}, scheduler.WithStore(a.jobStore))
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close: %w", errors.Join(errs...))
	}
	return nil
}

// setupLogging installs the configured logger as the default. --debug
// lowers the level and tees to stderr.
func setupLogging(cfg logging.Config) func() error {
	if debugMode {
		cfg.Level = "debug"
		cfg.WriteToStderr = true
	}
	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		slog.Warn("logging_setup_failed", slog.String("error", err.Error()))
		return func() error { return nil }
	}
	slog.SetDefault(logger)
	return func() error {
		cleanup()
		return nil
	}
}
