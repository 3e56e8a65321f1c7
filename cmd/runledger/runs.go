package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nadmax/runledger/internal/repository"
	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/task"
)

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}

	cmd.AddCommand(newRunsListCmd(a), newRunsShowCmd(a))
	return cmd
}

func newRunsListCmd(a *app) *cobra.Command {
	var (
		statuses []string
		host     string
		stage    string
		since    time.Duration
		limit    int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			filter := repository.RunFilter{Hostname: host, StageName: stage, Limit: limit}
			for _, raw := range statuses {
				st, err := task.ParseStatus(raw)
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			if since > 0 {
				from := time.Now().UTC().Add(-since)
				filter.Since = &from
			}

			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			runs, err := a.tracker(ctx, store, 0).ListRuns(ctx, filter)
			if err != nil {
				return err
			}

			if asJSON {
				if runs == nil {
					runs = []models.Run{}
				}
				return printJSON(cmd.OutOrStdout(), runs)
			}
			renderRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringSliceVar(&statuses, "status", nil, "Only runs in these statuses")
	fs.StringVar(&host, "host", "", "Only runs recorded on this host")
	fs.StringVar(&stage, "stage", "", "Only runs of tasks in this stage")
	fs.DurationVar(&since, "since", 0, "Only runs started within this window, e.g. 24h")
	fs.IntVar(&limit, "limit", 50, "Maximum number of runs")
	fs.BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newRunsShowCmd(a *app) *cobra.Command {
	var (
		refs    refFlags
		samples int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "show [RUN_ID]",
		Short: "Show a run with its subtasks and latest process samples",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				refs.runID = args[0]
			}
			ref, err := refs.runRef()
			if err != nil {
				return err
			}

			store, err := a.store(ctx)
			if err != nil {
				return err
			}
			tr := a.tracker(ctx, store, 0)

			run, err := tr.ResolveRun(ctx, ref)
			if err != nil {
				return err
			}
			subtasks, err := tr.ListSubtasks(ctx, run.RunID)
			if err != nil {
				return err
			}
			metrics, err := store.ListProcessMetrics(ctx, run.RunID, samples)
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"run":      run,
					"subtasks": subtasks,
					"metrics":  metrics,
				})
			}

			w := cmd.OutOrStdout()
			renderRunDetail(w, run)
			if len(subtasks) > 0 {
				renderSubtasks(w, subtasks)
			}
			if len(metrics) > 0 {
				renderMetrics(w, metrics)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	refs.bindRun(fs)
	fs.IntVar(&samples, "samples", 10, "Number of process samples to show")
	fs.BoolVar(&asJSON, "json", false, "Print JSON instead of tables")
	return cmd
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderRuns(w io.Writer, runs []models.Run) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "(0 runs)")
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Run", "Stage", "Task", "Status", "Progress", "Host", "Started", "Duration"})
	for _, r := range runs {
		t.AppendRow(table.Row{
			r.RunID,
			r.StageName,
			r.TaskName,
			r.Status,
			fmt.Sprintf("%.1f%%", r.PercentComplete),
			r.Hostname,
			formatTime(r.StartTime),
			formatDuration(r),
		})
	}
	t.Render()
}

func renderRunDetail(w io.Writer, r models.Run) {
	t := newTable(w)
	t.SetTitle("Run " + r.RunID)
	t.AppendRows([]table.Row{
		{"Task", r.StageName + "/" + r.TaskName},
		{"Status", r.Status},
		{"Progress", fmt.Sprintf("%.1f%% (subtask %d of %d)", r.PercentComplete, r.CurrentSubtask, r.TotalSubtasks)},
		{"Message", r.ProgressMessage},
		{"Host", fmt.Sprintf("%s pid %d", r.Hostname, r.ProcessID)},
		{"Started", formatTime(r.StartTime)},
		{"Ended", formatTime(r.EndTime)},
		{"Duration", formatDuration(r)},
	})
	if r.ErrorMessage != "" {
		t.AppendRow(table.Row{"Error", r.ErrorMessage})
	}
	if r.ErrorDetail != "" {
		t.AppendRow(table.Row{"Detail", strings.TrimSpace(r.ErrorDetail)})
	}
	t.Render()
}

func renderSubtasks(w io.Writer, subtasks []models.Subtask) {
	t := newTable(w)
	t.SetTitle("Subtasks")
	t.AppendHeader(table.Row{"#", "Name", "Status", "Items", "Progress", "Message"})
	for _, st := range subtasks {
		items := fmt.Sprintf("%d", st.ItemsComplete)
		if st.ItemsTotal > 0 {
			items = fmt.Sprintf("%d/%d", st.ItemsComplete, st.ItemsTotal)
		}
		message := st.ProgressMessage
		if st.ErrorMessage != "" {
			message = st.ErrorMessage
		}
		t.AppendRow(table.Row{st.Number, st.Name, st.Status, items, fmt.Sprintf("%.1f%%", st.PercentComplete), message})
	}
	t.Render()
}

func renderMetrics(w io.Writer, samples []models.ProcessMetric) {
	t := newTable(w)
	t.SetTitle("Process samples")
	t.AppendHeader(table.Row{"Time", "PID", "CPU %", "Memory MB", "Threads", "State", "Error"})
	for _, m := range samples {
		t.AppendRow(table.Row{
			m.Timestamp.Format(time.DateTime),
			m.ProcessID,
			formatFloat(m.CPUPercent),
			formatFloat(m.MemoryMB),
			formatInt(m.NumThreads),
			m.ProcessState,
			m.ErrorType,
		})
	}
	t.Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.DateTime)
}

func formatDuration(r models.Run) string {
	switch {
	case r.StartTime == nil:
		return "-"
	case r.EndTime == nil:
		return time.Since(*r.StartTime).Round(time.Second).String() + "+"
	default:
		return r.Duration().Round(time.Millisecond).String()
	}
}

func formatFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func formatInt(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}
