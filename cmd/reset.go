package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sabermill/sabermill/pkg/loader"
	"github.com/sabermill/sabermill/pkg/migrations"
	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/tables"
)

// ErrResetNotConfirmed is returned when reset runs without --yes
var ErrResetNotConfirmed = errors.New("reset drops every pipeline table; re-run with --yes to confirm")

//nolint:gochecknoglobals // Command flags need to be global for cobra
var resetConfirmed bool

// resetCmd represents the reset command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every table the pipeline owns",
	Long: `Reset rolls back the schema migrations and drops every declared target
table, its staging twin, and the configured leaderboard snapshots. The next
load starts from nothing, as if against a fresh database.`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVar(&resetConfirmed, "yes", false, "Confirm dropping every pipeline table")
}

func runReset(cmd *cobra.Command, _ []string) error {
	// Silence usage on error
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	if !resetConfirmed {
		return ErrResetNotConfirmed
	}

	cfg, err := loadConfigFromFile(cfgFile)
	if err != nil {
		return err
	}

	registry, err := tables.LoadRegistry(cfg.TablesPath)
	if err != nil {
		return fmt.Errorf("failed to load table registry: %w", err)
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

	// Rolling the migrations back first strips the metric columns while
	// their tables still exist, then the tables themselves go.
	if err := migrations.Down(logger, client.DB()); err != nil {
		return err
	}

	dropped := 0

	for _, tbl := range registry.All() {
		for _, name := range []string{loader.StagingTable(tbl.Name), tbl.Name} {
			if err := dropTable(ctx, client, name); err != nil {
				return err
			}

			dropped++
		}
	}

	for _, snap := range cfg.Leaders.Effective() {
		if err := dropTable(ctx, client, snap.Name); err != nil {
			return err
		}

		dropped++
	}

	fmt.Printf("Reset complete: schema rolled back, %d tables dropped\n", dropped)

	return nil
}

func dropTable(ctx context.Context, client postgres.Client, name string) error {
	if _, err := client.Exec(ctx, "DROP TABLE IF EXISTS "+postgres.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", name, err)
	}

	return nil
}
