package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rootauth/server"
)

func newAuditCmd() *cobra.Command {
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Audit trail maintenance",
	}
	audit.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the HMAC signature of every audit record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), func(c *server.Core) error {
				n, err := c.Backend.VerifyAudit(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d audit records verified\n", n)
				return nil
			})
		},
	})
	return audit
}
