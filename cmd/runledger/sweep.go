package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nadmax/runledger/internal/retention"
)

func newSweepCmd(a *app) *cobra.Command {
	var (
		days   int
		dryRun bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete process samples of runs that finished before the retention window",
		Long: `Delete the process samples of terminal runs that ended more than --days
ago. A dry run lists exactly the runs and sample counts a real sweep would
delete without changing anything.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("days") {
				days = a.cfg.Retention.Days
			}

			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			entries, err := retention.NewSweeper(store, a.logger).Sweep(ctx, days, dryRun)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if asJSON {
				if entries == nil {
					entries = []retention.Entry{}
				}
				return printJSON(w, entries)
			}

			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}

			var total int64
			t := newTable(w)
			t.AppendHeader(table.Row{"Run", "Task", "Completed", "Samples"})
			for _, e := range entries {
				total += e.MetricsDeletedCount
				t.AppendRow(table.Row{e.RunID, e.TaskName, e.CompletedAt.Format("2006-01-02 15:04:05"), e.MetricsDeletedCount})
			}
			if len(entries) > 0 {
				t.Render()
			}

			_, err = fmt.Fprintf(w, "%s %d samples from %d runs older than %d days\n", verb, total, len(entries), days)
			return err
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&days, "days", 30, "Retention window in days (default: retention.days)")
	fs.BoolVar(&dryRun, "dry-run", false, "Report what would be deleted without deleting")
	fs.BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
