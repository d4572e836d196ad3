package cli

import (
	"github.com/spf13/cobra"

	"rootauth/config"
	"rootauth/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			app := &server.App{}
			if err := app.Initialize(cfg); err != nil {
				return err
			}
			return app.Run()
		},
	}
}
