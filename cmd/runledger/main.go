// Command runledger records task runs and their subtask progress, samples
// the processes behind active runs and serves a read-only view of both.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nadmax/runledger/internal/config"
	"github.com/nadmax/runledger/internal/livecache"
	"github.com/nadmax/runledger/internal/notify"
	"github.com/nadmax/runledger/internal/reporter"
	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/runctx"
	"github.com/nadmax/runledger/internal/task"
	"github.com/nadmax/runledger/internal/telemetry"
	"github.com/nadmax/runledger/internal/tracker"
)

var Version = "dev"

// app carries what every command needs once the root pre-run has loaded
// config, logging and tracing.
type app struct {
	cfgFile string
	quiet   bool

	cfg      *config.Config
	logger   *slog.Logger
	closers  []func(context.Context) error
	newStore func(ctx context.Context) (*repository.Store, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &app{}, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// run executes one command line. Resources opened by the command are
// released even when it fails.
func run(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return 3
	case errors.Is(err, task.ErrTerminal), errors.Is(err, task.ErrInvalidTransition):
		return 4
	case errors.Is(err, task.ErrStoreUnavailable), errors.Is(err, task.ErrConcurrencyExhausted):
		return 5
	default:
		return 1
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:     "runledger",
		Short:   "Track task runs, subtask progress and process health",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			return a.setup(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ./runledger.yaml)")
	pf.BoolVarP(&a.quiet, "quiet", "q", false, "Only log to the configured log file")
	pf.String("backend", "", "Store backend (postgres|sqlite)")
	pf.String("driver", "", "PostgreSQL driver (pgx|postgres)")
	pf.String("dsn", "", "PostgreSQL connection string")
	pf.String("schema", "", "PostgreSQL schema")
	pf.String("sqlite-path", "", "SQLite database file")
	pf.String("redis-addr", "", "Redis address for live progress (empty disables)")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")
	pf.String("log-format", "", "Log format (json|text)")
	pf.String("log-file", "", "Also log to this file, rotated by size")
	pf.String("tracing-exporter", "", "Trace exporter (none|stdout|otlp-http)")

	root.AddCommand(
		newMigrateCmd(a),
		newStageCmd(a),
		newTaskCmd(a),
		newSubtaskCmd(a),
		newRunsCmd(a),
		newReportCmd(a),
		newReporterCmd(a),
		newSweepCmd(a),
		newServeCmd(a),
	)

	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, logCloser, err := telemetry.NewLogger(cfg.LogConfig(a.quiet))
	if err != nil {
		return err
	}
	a.logger = logger
	a.closers = append(a.closers, func(context.Context) error { return logCloser.Close() })

	shutdown, err := telemetry.InitTracing(cmd.Context(), cfg.TracingConfig())
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)

	if a.newStore == nil {
		a.newStore = a.openStore
	}

	return nil
}

func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil

	return errors.Join(errs...)
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) openStore(ctx context.Context) (*repository.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Store.Timeout)
	defer cancel()

	return repository.Open(ctx, a.cfg.StoreConfig(), a.logger)
}

// store opens the store and closes it when the command finishes.
func (a *app) store(ctx context.Context) (*repository.Store, error) {
	store, err := a.newStore(ctx)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return store.Close() })

	return store, nil
}

// tracker builds a tracker over store with the optional live cache and
// failure notifier attached. Either one failing to start is logged and
// skipped; tracking itself never depends on them.
// pid overrides the watched process; zero means the parent process.
func (a *app) tracker(ctx context.Context, store *repository.Store, pid int) *tracker.Tracker {
	opts := tracker.Options{
		Host:          a.host(pid),
		Retry:         a.cfg.RetryPolicy(),
		RetentionDays: a.cfg.Retention.Days,
		Logger:        a.logger,
	}

	if cache := a.liveCache(ctx); cache != nil {
		opts.Publisher = cache
	}

	if a.cfg.NotifyEnabled() {
		mailer, err := notify.New(a.cfg.NotifyConfig(), a.logger)
		if err != nil {
			a.logger.Warn("failure notifications disabled", "error", err)
		} else {
			opts.Notifier = mailer
		}
	}

	return tracker.New(store, opts)
}

func (a *app) liveCache(ctx context.Context) *livecache.Cache {
	if a.cfg.Redis.Addr == "" {
		return nil
	}

	cache, err := livecache.New(ctx, a.cfg.Redis.Addr)
	if err != nil {
		a.logger.Warn("live progress disabled", "addr", a.cfg.Redis.Addr, "error", err)
		return nil
	}
	a.onClose(func(context.Context) error { return cache.Close() })

	return cache
}

// host describes the process the reporter should watch. Runs are started by
// a short-lived CLI invocation, so by default that is the parent process.
func (a *app) host(pid int) tracker.Host {
	if pid <= 0 {
		pid = os.Getppid()
	}
	hostname, _ := os.Hostname()
	h := tracker.Host{Hostname: hostname, ProcessID: pid}

	sampler, err := reporter.NewProcSampler(a.cfg.Reporter.ProcMount, a.cfg.Reporter.CPUWindow)
	if err != nil {
		a.logger.Debug("process start time unavailable", "error", err)
		return h
	}
	if started, err := sampler.StartTime(h.ProcessID); err == nil {
		h.ProcessStartTime = &started
	}

	return h
}

// execContext restores the execution context exported by an earlier
// command, then points it at runID when one is given.
func (a *app) execContext(tr *tracker.Tracker, runID string) (*runctx.Context, error) {
	snap, _, err := runctx.SnapshotFromEnv()
	if err != nil {
		return nil, err
	}

	c, err := runctx.Restore(tr, snap)
	if err != nil {
		return nil, err
	}
	if runID != "" {
		if current, _, ok := c.CurrentRun(); !ok || current != runID {
			if err := c.SetActiveRun(runID); err != nil {
				return nil, err
			}
		}
	}

	return c, nil
}

func printExport(w io.Writer, snap runctx.Snapshot) {
	_, _ = fmt.Fprintf(w, "export %s=%s\n", runctx.EnvVar, snap.Encode())
}
