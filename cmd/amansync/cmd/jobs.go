package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amansync/internal/daemon"
	"github.com/Aman-CERP/amansync/internal/index"
	"github.com/Aman-CERP/amansync/internal/output"
	"github.com/Aman-CERP/amansync/internal/scheduler"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled sync jobs",
		Long: `Add, list, remove and run scheduled synchronization jobs.

Jobs are stored in .amansync/jobs.db and fire while 'amansync serve' is
running. When the daemon is up, list, run and stats talk to it over the
control socket; otherwise they work on the job store directly.`,
		Example: `  # Sync every night at 02:00
  amansync jobs add cron nightly '0 2 * * *'

  # Sync docs/ every 15 minutes
  amansync jobs add interval docs 15m --source docs

  # One full rebuild in an hour
  amansync jobs add at rebuild +1h --full

  # Run a job now and wait for its report
  amansync jobs run 3f2a9c1e-...`,
	}

	cmd.AddCommand(newJobsAddCmd())
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsRemoveCmd())
	cmd.AddCommand(newJobsRunCmd())
	cmd.AddCommand(newJobsStatsCmd())

	return cmd
}

// daemonClient returns a client when the project's daemon is running.
func daemonClient(a *app) *daemon.Client {
	c := daemon.NewClient(daemon.NewConfig(a.cfg.Daemon, a.dataDir))
	if !c.IsRunning() {
		return nil
	}
	return c
}

func newJobsAddCmd() *cobra.Command {
	var jc index.JobConfig

	cmd := &cobra.Command{
		Use:   "add <cron|interval|at> <name> <value>",
		Short: "Add a scheduled job",
		Long: `Add a job. The value depends on the trigger kind:

  cron      a five-field expression or descriptor ('0 2 * * *', '@hourly')
  interval  a Go duration ('15m', '2h')
  at        an RFC 3339 time or an offset from now ('+30m')`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger, err := scheduler.ParseTrigger(args[0], args[2], time.Now())
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			sched, err := a.Scheduler(cmd.Context())
			if err != nil {
				return err
			}
			job, err := sched.Add(cmd.Context(), args[1], trigger, jc)
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			out.Successf("Added job %s", job.Name)
			out.KeyValues([][2]string{
				{"ID", job.ID},
				{"Trigger", job.Trigger.String()},
			})
			if daemonClient(a) != nil {
				out.Warning("The running daemon picks up new jobs after a restart")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&jc.SourcePath, "source", "", "Source directory for this job")
	cmd.Flags().StringVar(&jc.Pattern, "pattern", "", "Include glob for this job")
	cmd.Flags().IntVar(&jc.BatchSize, "batch-size", 0, "Documents per batch")
	cmd.Flags().BoolVar(&jc.ForceFullRebuild, "full", false, "Always run a full rebuild")

	return cmd
}

func newJobsListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			jobs, err := listJobs(cmd.Context(), a)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			printJobs(output.New(cmd.OutOrStdout()), jobs, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output jobs as JSON")

	return cmd
}

func listJobs(ctx context.Context, a *app) ([]*scheduler.Job, error) {
	if c := daemonClient(a); c != nil {
		return c.ListJobs(ctx)
	}
	sched, err := a.Scheduler(ctx)
	if err != nil {
		return nil, err
	}
	return sched.List(), nil
}

func printJobs(out *output.Writer, jobs []*scheduler.Job, now time.Time) {
	if len(jobs) == 0 {
		out.Status("", "No scheduled jobs.")
		return
	}

	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		next := "-"
		switch {
		case j.NextRun != nil:
			next = j.NextRun.Local().Format(time.DateTime)
		default:
			if t, ok := scheduler.NextFire(j.Trigger, now); ok {
				next = t.Local().Format(time.DateTime)
			}
		}
		last := "-"
		if j.LastResult != nil {
			last = string(j.LastResult.Status)
		}
		if j.Running {
			last = "running"
		}
		rows = append(rows, []string{
			j.ID, j.Name, j.Trigger.String(), next,
			output.Ago(j.Stats.LastRunAt), last,
		})
	}
	out.Table([]string{"id", "name", "trigger", "next run", "last run", "last status"}, rows)
}

func newJobsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a scheduled job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			sched, err := a.Scheduler(cmd.Context())
			if err != nil {
				return err
			}
			if err := sched.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			out.Successf("Removed job %s", args[0])
			if daemonClient(a) != nil {
				out.Warning("The running daemon keeps firing the job until it restarts")
			}
			return nil
		},
	}
}

func newJobsRunCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job now",
		Long: `Run a job immediately. With the daemon running the job is handed to it
and the command returns at once; otherwise it runs here and prints the report.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			out := output.New(cmd.OutOrStdout())

			if c := daemonClient(a); c != nil {
				if err := c.RunJob(cmd.Context(), args[0]); err != nil {
					return err
				}
				out.Successf("Job %s triggered in the daemon", args[0])
				return nil
			}

			sched, err := a.Scheduler(cmd.Context())
			if err != nil {
				return err
			}
			report, err := sched.Execute(cmd.Context(), args[0])
			if report != nil {
				if jsonOutput {
					if jerr := writeJSON(cmd.OutOrStdout(), report); jerr != nil {
						return jerr
					}
				} else {
					printRunReport(out, report)
				}
			}
			if err != nil {
				return err
			}
			if report.Status == index.StatusFailed {
				return fmt.Errorf("job %s failed", args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	return cmd
}

func newJobsStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats <id>",
		Short: "Show a job's run statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := jobStats(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), res)
			}

			out := output.New(cmd.OutOrStdout())
			out.Heading(res.Name)
			s := res.Stats
			pairs := [][2]string{
				{"Runs", output.Count(s.Runs)},
				{"Successes", output.Count(s.Successes)},
				{"Failures", output.Count(s.Failures)},
				{"Skipped", output.Count(s.Skipped)},
				{"Last run", output.Ago(s.LastRunAt)},
				{"Last success", output.Ago(s.LastSuccessAt)},
				{"Last failure", output.Ago(s.LastFailureAt)},
				{"Last duration", s.LastDuration.Round(time.Millisecond).String()},
			}
			if s.LastError != "" {
				pairs = append(pairs, [2]string{"Last error", s.LastError})
			}
			out.KeyValues(pairs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output statistics as JSON")

	return cmd
}

func jobStats(ctx context.Context, a *app, id string) (*daemon.JobStatsResult, error) {
	if c := daemonClient(a); c != nil {
		return c.JobStats(ctx, id)
	}
	sched, err := a.Scheduler(ctx)
	if err != nil {
		return nil, err
	}
	job, err := sched.Get(id)
	if err != nil {
		return nil, err
	}
	return &daemon.JobStatsResult{ID: job.ID, Name: job.Name, Stats: job.Stats}, nil
}
