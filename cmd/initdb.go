package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sabermill/sabermill/pkg/migrations"
)

// initdbCmd represents the initdb command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the bookkeeping and derived tables",
	Long: `Initdb applies the schema migrations: the etl_* bookkeeping tables, the
derived sabermetric tables, and the metric columns on the loaded stat
tables. Safe to run repeatedly; only pending migrations are applied.`,
	RunE: runInitdb,
}

func init() {
	rootCmd.AddCommand(initdbCmd)
}

func runInitdb(cmd *cobra.Command, _ []string) error {
	// Silence usage on error
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cfg, err := loadConfigFromFile(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()

	client, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if stopErr := client.Stop(); stopErr != nil {
			logger.WithError(stopErr).Error("Failed to close postgres client")
		}
	}()

	if err := migrations.Up(logger, client.DB()); err != nil {
		return err
	}

	fmt.Println("Database initialized")

	return nil
}
