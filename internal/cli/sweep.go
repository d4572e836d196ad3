package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rootauth/server"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired flow records, tokens, idempotency entries and denylist rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), func(c *server.Core) error {
				res, err := c.Backend.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d rows\n", res.Total())
				return nil
			})
		},
	}
}
