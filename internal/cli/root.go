package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"rootauth/config"
	"rootauth/internal/clock"
	"rootauth/server"
)

// NewRootCmd собирает дерево команд; каждый вызов — независимая копия.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:   "rootauth",
		Short: "AdaOS root authority: device onboarding, tokens and subnet PKI",
		Long: `AdaOS root authority.

Onboards devices into owner subnets (device code, QR, browser holder-of-key),
issues access/refresh/channel tokens and runs the two-tier CA that signs hub,
member and delegated subnet-CA certificates.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			// config.Load читает путь из окружения
			if cfgFile != "" {
				return os.Setenv("CONFIG_FILE", cfgFile)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (overrides CONFIG_FILE)")

	root.AddCommand(newServeCmd(), newCACmd(), newAuditCmd(), newSweepCmd())
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}

// withCore поднимает бэкенд без HTTP для служебных команд.
func withCore(ctx context.Context, fn func(*server.Core) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	core, err := server.NewCore(ctx, cfg, clock.Real())
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(core)
}
