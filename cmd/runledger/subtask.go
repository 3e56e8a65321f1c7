package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nadmax/runledger/internal/repository/models"
	"github.com/nadmax/runledger/internal/runctx"
	"github.com/nadmax/runledger/internal/task"
	"github.com/nadmax/runledger/internal/tracker"
)

var errNoSubtask = fmt.Errorf("%w: pass --run-id and --number or export a context", task.ErrNoActiveContext)

// subtaskFlags address a subtask explicitly or through the exported
// execution context.
type subtaskFlags struct {
	runID  string
	number int
	export bool
}

func (f *subtaskFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.runID, "run-id", "", "Run id (default: the exported context)")
	cmd.Flags().IntVar(&f.number, "number", 0, "Subtask number (default: the exported context)")
}

func (f *subtaskFlags) context(ctx context.Context, a *app) (*tracker.Tracker, *runctx.Context, error) {
	store, err := a.store(ctx)
	if err != nil {
		return nil, nil, err
	}

	tr := a.tracker(ctx, store, 0)
	c, err := a.execContext(tr, f.runID)
	if err != nil {
		return nil, nil, err
	}

	return tr, c, nil
}

// target resolves the run and subtask number, preferring flags over the
// execution context.
func (f *subtaskFlags) target(c *runctx.Context) (string, int, bool) {
	runID, number, ok := c.CurrentRun()
	if f.number > 0 {
		number = f.number
	}

	return runID, number, ok && number > 0
}

func newSubtaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subtask",
		Short: "Drive the subtasks of a run",
	}

	cmd.AddCommand(
		newSubtaskStartCmd(a),
		newSubtaskIncrementCmd(a),
		newSubtaskUpdateCmd(a),
		newSubtaskFinishCmd(a, "complete", "Mark a subtask COMPLETED"),
		newSubtaskFinishCmd(a, "fail", "Mark a subtask FAILED"),
		newSubtaskFinishCmd(a, "skip", "Mark a subtask SKIPPED"),
	)
	return cmd
}

func newSubtaskStartCmd(a *app) *cobra.Command {
	var (
		f          subtaskFlags
		name       string
		itemsTotal int64
		message    string
		ensure     bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a subtask",
		Long: `Start a subtask of a run. Without --number the next number after the
one in the exported execution context is used. With --export a new export
line is printed so that later commands target this subtask.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			tr, c, err := f.context(ctx, a)
			if err != nil {
				return err
			}

			var st models.Subtask
			switch {
			case f.number > 0 && ensure:
				st, err = tr.EnsureSubtask(ctx, activeRun(c), f.number, name, itemsTotal)
			case f.number > 0:
				st, err = tr.StartSubtask(ctx, activeRun(c), tracker.SubtaskSpec{
					Number: f.number, Name: name, ItemsTotal: itemsTotal, Message: message,
				})
			default:
				st, err = c.StartSubtask(ctx, name, itemsTotal)
			}
			if err != nil {
				return err
			}

			if !f.export {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d %s\n", st.RunID, st.Number, st.Status)
				return err
			}

			printExport(cmd.OutOrStdout(), runctx.Snapshot{RunID: st.RunID, SubtaskNumber: st.Number})
			return nil
		},
	}

	f.bind(cmd)
	fs := cmd.Flags()
	fs.StringVar(&name, "name", "", "Subtask name")
	fs.Int64Var(&itemsTotal, "items-total", 0, "Number of items the subtask will process")
	fs.StringVar(&message, "message", "", "Initial progress message")
	fs.BoolVar(&ensure, "ensure", false, "Reuse the subtask when it was already started (needs --number)")
	fs.BoolVar(&f.export, "export", false, "Print a shell export line for the execution context")
	return cmd
}

func newSubtaskIncrementCmd(a *app) *cobra.Command {
	var (
		f       subtaskFlags
		delta   int64
		correct bool
	)

	cmd := &cobra.Command{
		Use:   "increment",
		Short: "Add to the completed item count of a subtask",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			tr, c, err := f.context(ctx, a)
			if err != nil {
				return err
			}

			runID, number, ok := f.target(c)
			if !ok {
				return errNoSubtask
			}

			var value int64
			if correct {
				value, err = tr.CorrectSubtaskItems(ctx, runID, number, delta)
			} else {
				value, err = tr.IncrementSubtask(ctx, runID, number, delta)
			}
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), value)
			return err
		},
	}

	f.bind(cmd)
	cmd.Flags().Int64Var(&delta, "by", 1, "Number of items to add")
	cmd.Flags().BoolVar(&correct, "correct", false, "Apply a signed correction instead of an increment")
	return cmd
}

func newSubtaskUpdateCmd(a *app) *cobra.Command {
	var (
		f          subtaskFlags
		itemsTotal int64
		percent    float64
		message    string
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the total, percent or message of a subtask",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			tr, c, err := f.context(ctx, a)
			if err != nil {
				return err
			}

			runID, number, ok := f.target(c)
			if !ok {
				return errNoSubtask
			}

			var u tracker.SubtaskUpdate
			fs := cmd.Flags()
			if fs.Changed("items-total") {
				u.ItemsTotal = &itemsTotal
			}
			if fs.Changed("percent") {
				u.Percent = &percent
			}
			if fs.Changed("message") {
				u.Message = &message
			}

			st, err := tr.UpdateSubtask(ctx, runID, number, u)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d %.1f%%\n", st.RunID, st.Number, st.PercentComplete)
			return err
		},
	}

	f.bind(cmd)
	fs := cmd.Flags()
	fs.Int64Var(&itemsTotal, "items-total", 0, "Number of items the subtask will process")
	fs.Float64Var(&percent, "percent", 0, "Percent complete (0-100)")
	fs.StringVar(&message, "message", "", "Progress message")
	return cmd
}

func newSubtaskFinishCmd(a *app, verb, short string) *cobra.Command {
	var (
		f       subtaskFlags
		message string
	)

	cmd := &cobra.Command{
		Use:   verb,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			tr, c, err := f.context(ctx, a)
			if err != nil {
				return err
			}

			runID, number, ok := f.target(c)
			if !ok {
				return errNoSubtask
			}

			var st models.Subtask
			switch verb {
			case "complete":
				st, err = tr.CompleteSubtask(ctx, runID, number, message)
			case "fail":
				st, err = tr.FailSubtask(ctx, runID, number, message)
			case "skip":
				st, err = tr.SkipSubtask(ctx, runID, number, message)
			}
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d %s\n", st.RunID, st.Number, st.Status)
			return err
		},
	}

	f.bind(cmd)
	if verb == "fail" {
		cmd.Flags().StringVar(&message, "error", "", "Error message")
	} else {
		cmd.Flags().StringVar(&message, "message", "", "Final progress message")
	}
	return cmd
}

func activeRun(c *runctx.Context) string {
	runID, _, _ := c.CurrentRun()
	return runID
}
