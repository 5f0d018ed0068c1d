package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/codescan/sirius/postgres"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Database.Driver == "memory" {
				return errors.New("migrate: the memory driver has no schema")
			}
			db, err := postgres.Open(c.cfg.Database.Driver, c.cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer closeDB(db)

			if err := postgres.Ping(cmd.Context(), db); err != nil {
				return err
			}
			if err := postgres.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s schema is up to date\n", c.cfg.Database.Driver)
			return nil
		},
	}
}
