package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/runctx"
	"github.com/nadmax/runledger/internal/task"
	"github.com/nadmax/runledger/internal/tracker"
)

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Register tasks and drive their runs",
	}

	cmd.AddCommand(
		newTaskRegisterCmd(a),
		newTaskStartCmd(a),
		newTaskUpdateCmd(a),
		newTaskFinishCmd(a, "complete", "Mark a run COMPLETED"),
		newTaskFinishCmd(a, "fail", "Mark a run FAILED and fail its open subtasks"),
		newTaskFinishCmd(a, "skip", "Mark a run SKIPPED"),
		newTaskFinishCmd(a, "cancel", "Mark a run CANCELLED and fail its open subtasks"),
		newTaskDeleteCmd(a),
	)
	return cmd
}

func newTaskRegisterCmd(a *app) *cobra.Command {
	var (
		spec                                       tracker.TaskSpec
		order                                      int
		taskType, scriptPath, logPath, description string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a task or update its metadata",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if spec.StageName == "" || spec.Name == "" {
				return fmt.Errorf("%w: --stage and --name are required", task.ErrInvalidArgument)
			}

			if cmd.Flags().Changed("order") {
				spec.Order = &order
			}
			spec.Type = optionalFlag(taskType)
			spec.ScriptPath = optionalFlag(scriptPath)
			spec.LogPath = optionalFlag(logPath)
			spec.Description = optionalFlag(description)

			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			tk, err := a.tracker(ctx, store, 0).RegisterTask(ctx, spec)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "task %d %s/%s\n", tk.ID, tk.StageName, tk.Name)
			return err
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&spec.StageName, "stage", "", "Stage name (created when missing)")
	fs.StringVar(&spec.Name, "name", "", "Task name, unique within the stage")
	fs.IntVar(&order, "order", 0, "Position of the task within its stage")
	fs.StringVar(&taskType, "type", "", "Task type, e.g. R or python")
	fs.StringVar(&scriptPath, "script-path", "", "Path of the script the task runs")
	fs.StringVar(&logPath, "log-path", "", "Path of the log file the task writes")
	fs.StringVar(&description, "description", "", "Free-form description")
	return cmd
}

func newTaskStartCmd(a *app) *cobra.Command {
	var (
		refs     refFlags
		opts     tracker.StartOptions
		metadata map[string]string
		pid      int
		plan     bool
		ensure   bool
		export   bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run of a task",
		Long: `Start a run of a task and print its run id.

With --plan the run is recorded as NOT_STARTED so that a later start with
--run-id adopts it. With --ensure the latest unfinished run is reused and a
new one is created only when there is none. With --export the command prints
a shell export line carrying the execution context for later subtask commands.`,
		Example: `  eval "$(runledger task start --script load_orders.R --export)"
  runledger subtask start --name fetch --items-total 500 --export`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.store(ctx)
			if err != nil {
				return err
			}
			tr := a.tracker(ctx, store, pid)

			if len(metadata) > 0 {
				opts.Metadata = make(map[string]any, len(metadata))
				for k, v := range metadata {
					opts.Metadata[k] = v
				}
			}

			var run models.Run
			switch {
			case plan:
				run, err = tr.PlanRun(ctx, refs.taskRef(), opts)
			case ensure:
				run, err = tr.EnsureRun(ctx, refs.taskRef())
			default:
				run, err = tr.StartTask(ctx, refs.taskRef(), opts)
			}
			if err != nil {
				return err
			}

			if !export {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), run.RunID)
				return err
			}

			c := runctx.New(tr)
			if err := c.SetActiveRun(run.RunID); err != nil {
				return err
			}
			printExport(cmd.OutOrStdout(), c.Export())
			return nil
		},
	}

	fs := cmd.Flags()
	refs.bindTask(fs)
	fs.StringVar(&opts.RunID, "run-id", "", "Run id to use, or a planned run to start")
	fs.IntVar(&opts.TotalSubtasks, "total-subtasks", 0, "Number of subtasks the run will have")
	fs.StringVar(&opts.Message, "message", "", "Initial progress message")
	fs.StringToStringVar(&metadata, "metadata", nil, "Metadata as key=value pairs")
	fs.IntVar(&pid, "pid", 0, "Process to watch (default: the parent process)")
	fs.BoolVar(&plan, "plan", false, "Record the run as NOT_STARTED")
	fs.BoolVar(&ensure, "ensure", false, "Reuse the latest unfinished run when there is one")
	fs.BoolVar(&export, "export", false, "Print a shell export line for the execution context")
	cmd.MarkFlagsMutuallyExclusive("plan", "ensure")
	return cmd
}

func newTaskUpdateCmd(a *app) *cobra.Command {
	var (
		refs                  refFlags
		percent               float64
		message               string
		current, totalSubtask int
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the progress of a run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ref, err := refs.runRef()
			if err != nil {
				return err
			}

			var u tracker.TaskUpdate
			fs := cmd.Flags()
			if fs.Changed("percent") {
				u.Percent = &percent
			}
			if fs.Changed("message") {
				u.Message = &message
			}
			if fs.Changed("current-subtask") {
				u.CurrentSubtask = &current
			}
			if fs.Changed("total-subtasks") {
				u.TotalSubtasks = &totalSubtask
			}

			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			run, err := a.tracker(ctx, store, 0).UpdateTask(ctx, ref, u)
			if err != nil {
				return err
			}

			return printRunLine(cmd.OutOrStdout(), run)
		},
	}

	fs := cmd.Flags()
	refs.bindRun(fs)
	fs.Float64Var(&percent, "percent", 0, "Overall percent complete (0-100)")
	fs.StringVar(&message, "message", "", "Progress message")
	fs.IntVar(&current, "current-subtask", 0, "Number of the subtask in progress")
	fs.IntVar(&totalSubtask, "total-subtasks", 0, "Number of subtasks the run will have")
	return cmd
}

func newTaskFinishCmd(a *app, verb, short string) *cobra.Command {
	var (
		refs            refFlags
		message, detail string
	)

	cmd := &cobra.Command{
		Use:   verb,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ref, err := refs.runRef()
			if err != nil {
				return err
			}

			store, err := a.store(ctx)
			if err != nil {
				return err
			}
			tr := a.tracker(ctx, store, 0)

			var run models.Run
			switch verb {
			case "complete":
				run, err = tr.CompleteTask(ctx, ref, message)
			case "fail":
				run, err = tr.FailTask(ctx, ref, message, detail)
			case "skip":
				run, err = tr.SkipTask(ctx, ref, message)
			case "cancel":
				run, err = tr.CancelTask(ctx, ref, message)
			}
			if err != nil {
				return err
			}

			return printRunLine(cmd.OutOrStdout(), run)
		},
	}

	fs := cmd.Flags()
	refs.bindRun(fs)
	switch verb {
	case "fail":
		fs.StringVar(&message, "error", "", "Error message")
		fs.StringVar(&detail, "detail", "", "Error detail such as a traceback")
	case "skip", "cancel":
		fs.StringVar(&message, "reason", "", "Reason recorded as the progress message")
	default:
		fs.StringVar(&message, "message", "", "Final progress message")
	}
	return cmd
}

func newTaskDeleteCmd(a *app) *cobra.Command {
	var refs refFlags

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a task and all of its runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			return a.tracker(ctx, store, 0).DeleteTask(ctx, refs.taskRef())
		},
	}

	refs.bindTask(cmd.Flags())
	return cmd
}

func printRunLine(w io.Writer, run models.Run) error {
	_, err := fmt.Fprintf(w, "%s %s %.1f%%\n", run.RunID, run.Status, run.PercentComplete)
	return err
}

func optionalFlag(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
