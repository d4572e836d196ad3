package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rootauth/server"
)

func newCACmd() *cobra.Command {
	ca := &cobra.Command{
		Use:   "ca",
		Short: "Manage the root and intermediate certificate authorities",
	}

	var printRoot bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the root CA (once) and a valid intermediate, rotating it if due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd.Context(), func(c *server.Core) error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "intermediate valid until %s\n", c.CA.IntermediateNotAfter().Format(time.RFC3339))
				if printRoot {
					fmt.Fprint(out, c.CA.RootPEM())
				}
				return nil
			})
		},
	}
	initCmd.Flags().BoolVar(&printRoot, "print-root", false, "print the root certificate PEM")

	ca.AddCommand(initCmd)
	return ca
}
