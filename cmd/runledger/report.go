package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nadmax/runledger/internal/report"
)

func newReportCmd(a *app) *cobra.Command {
	var (
		opts   report.Options
		window time.Duration
		stdout bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write a run report as CSV or JSON",
		Long: fmt.Sprintf(`Aggregate runs started within a window into a report.

Report types: %s.`, strings.Join(report.Types, ", ")),
		Example: `  runledger report --type task_summary --window 168h
  runledger report --type failure_analysis --stdout`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.store(ctx)
			if err != nil {
				return err
			}
			gen := report.NewGenerator(store, a.logger)

			if opts.Until.IsZero() {
				opts.Until = time.Now().UTC()
			}
			if opts.Since.IsZero() {
				opts.Since = opts.Until.Add(-window)
			}

			if stdout {
				data, err := gen.Build(ctx, opts.Type, opts.Since, opts.Until)
				if err != nil {
					return err
				}
				return report.Write(cmd.OutOrStdout(), opts.Format, data)
			}

			path, err := gen.Generate(ctx, opts)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.Type, "type", report.TypeTaskSummary, "Report type")
	fs.StringVar(&opts.Format, "format", report.FormatCSV, "Output format (csv|json)")
	fs.StringVar(&opts.OutputDir, "output-dir", "./reports", "Directory for the report file")
	fs.DurationVar(&window, "window", 24*time.Hour, "Report on runs started within this window")
	fs.BoolVar(&stdout, "stdout", false, "Write the report to stdout instead of a file")
	fs.Func("since", "Window start (RFC 3339), overrides --window", func(v string) error {
		t, err := time.Parse(time.RFC3339, v)
		opts.Since = t.UTC()
		return err
	})
	fs.Func("until", "Window end (RFC 3339, default: now)", func(v string) error {
		t, err := time.Parse(time.RFC3339, v)
		opts.Until = t.UTC()
		return err
	})
	return cmd
}
