package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nadmax/runledger/internal/tracker"
)

func newStageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Register and delete stages",
	}

	cmd.AddCommand(newStageRegisterCmd(a), newStageDeleteCmd(a))
	return cmd
}

func newStageRegisterCmd(a *app) *cobra.Command {
	var (
		order       int
		description string
	)

	cmd := &cobra.Command{
		Use:   "register NAME",
		Short: "Create a stage or update its order and description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			spec := tracker.StageSpec{Name: args[0]}
			if cmd.Flags().Changed("order") {
				spec.Order = &order
			}
			if description != "" {
				spec.Description = &description
			}

			stage, err := a.tracker(ctx, store, 0).RegisterStage(ctx, spec)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "stage %d %s\n", stage.ID, stage.Name)
			return err
		},
	}

	cmd.Flags().IntVar(&order, "order", 0, "Position of the stage in the pipeline")
	cmd.Flags().StringVar(&description, "description", "", "Free-form description")
	return cmd
}

func newStageDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a stage with its tasks and their runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			return a.tracker(ctx, store, 0).DeleteStage(ctx, args[0])
		},
	}
}
