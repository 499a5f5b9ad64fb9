package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/metergate/metergate/internal/app"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	var configPath string

	root := &cobra.Command{
		Use:     "metergate",
		Short:   "Multi-tenant AI API usage metering and budgets",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newSeedPricingCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the metering server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.RunServer(ctx, *configPath)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Migrate(cmd.Context(), *configPath)
		},
	}
}

func newSeedPricingCmd(configPath *string) *cobra.Command {
	var seedFile string
	cmd := &cobra.Command{
		Use:   "seed-pricing",
		Short: "Load pricing entries from a YAML seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.SeedPricing(cmd.Context(), *configPath, seedFile)
		},
	}
	cmd.Flags().StringVar(&seedFile, "file", "", "seed file (defaults to pricing.seed-file from config)")
	return cmd
}
