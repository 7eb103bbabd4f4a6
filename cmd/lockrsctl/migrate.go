package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quasiuslikecautious/lockrs-sub001/storage/postgres"
)

func newMigrateCommand(a *app) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the Postgres schema migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{postgres.DirectionUp, postgres.DirectionDown},
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := a.cfg.Storage.DatabaseURL
			if dsn == "" {
				return errors.New("storage.database_url is required (env LOCKRS_STORAGE_DATABASE_URL)")
			}

			direction := args[0]
			err := postgres.Migrate(dsn, direction, steps)
			if errors.Is(err, postgres.ErrNoChange) {
				fmt.Fprintln(cmd.OutOrStdout(), "schema already up to date")
				return nil
			}
			if err != nil {
				return err
			}

			v, dirty, err := postgres.SchemaVersion(dsn)
			if err != nil {
				return err
			}
			a.logger.Info("Applied schema migrations", "direction", direction, "version", v, "dirty", dirty)
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply (0 applies all)")
	return cmd
}
