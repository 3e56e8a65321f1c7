package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.store(ctx)
			if err != nil {
				return err
			}

			applied, err := store.Migrate(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, m := range applied {
				if _, err := fmt.Fprintf(w, "applied %05d %s\n", m.Version, m.Source); err != nil {
					return err
				}
			}

			version, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(w, "schema version %d\n", version)
			return err
		},
	}
}
