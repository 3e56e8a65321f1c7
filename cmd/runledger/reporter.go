package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nadmax/runledger/internal/reporter"
	"github.com/nadmax/runledger/internal/retention"
)

func newReporterCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reporter",
		Short: "Run or stop the per-host process reporter",
	}

	cmd.AddCommand(newReporterRunCmd(a), newReporterStopCmd(a))
	return cmd
}

func newReporterRunCmd(a *app) *cobra.Command {
	var withRetention bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sample the processes of active runs on this host until stopped",
		Long: `Register as this host's reporter and sample every active run on each
interval. Only one reporter runs per host; a second one exits with an error
while the first keeps its heartbeat fresh.

With --retention the reporter also runs the retention sweep on the
configured cron schedule.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			sampler, err := reporter.NewProcSampler(a.cfg.Reporter.ProcMount, a.cfg.Reporter.CPUWindow)
			if err != nil {
				return err
			}

			hostname, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("failed to read hostname: %w", err)
			}
			rep := reporter.New(store, sampler, a.cfg.ReporterConfig(hostname, os.Getpid()), a.logger)

			if withRetention {
				sched, err := retention.NewScheduler(
					retention.NewSweeper(store, a.logger), a.cfg.Retention.Schedule, a.cfg.Retention.Days, a.logger)
				if err != nil {
					return err
				}
				sched.Start()
				a.onClose(sched.Stop)
			}

			// The reporter returning on a shutdown request also stops the
			// metrics listener.
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error {
				defer cancel()
				return rep.Run(gctx)
			})

			if addr := a.cfg.Reporter.MetricsAddr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error { return listenAndServe(gctx, server, a) })
			}

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.Duration("interval", 0, "Sampling interval (default 30s)")
	fs.Duration("sample-timeout", 0, "Per-process sampling timeout (default 5s)")
	fs.Int("concurrency", 0, "Processes sampled in parallel (default 8)")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.String("retention-cron", "", "Cron schedule for retention sweeps (default @daily)")
	fs.Int("retention-days", 0, "Retention window in days (default 30)")
	fs.BoolVar(&withRetention, "retention", false, "Also run scheduled retention sweeps")
	return cmd
}

func newReporterStopCmd(a *app) *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the reporter of a host to stop after its current cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if host == "" {
				var err error
				if host, err = os.Hostname(); err != nil {
					return fmt.Errorf("failed to read hostname: %w", err)
				}
			}

			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			if err := store.RequestReporterShutdown(ctx, host); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "shutdown requested for reporter on %s\n", host)
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host whose reporter should stop (default: this host)")
	return cmd
}
