package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSweepCommand(a *app) *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete codes, device authorizations and tokens that expired before now minus --grace",
		Long: `Expiry is enforced when a record is read, so sweeping only reclaims space.
Valkey expires records on its own and reports nothing to delete.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if grace < 0 {
				return fmt.Errorf("--grace must not be negative, got %s", grace)
			}

			b, err := a.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.close()

			cutoff := time.Now().Add(-grace)
			removed, err := b.sweeper.DeleteExpired(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			a.logger.Info("Swept expired records", "count", removed, "backend", b.name, "cutoff", cutoff)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired record(s) from %s\n", removed, b.name)
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", time.Hour, "keep records that expired less than this long ago")
	return cmd
}
