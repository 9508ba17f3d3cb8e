package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sabermill/sabermill/pkg/coordinator"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	loadForce      bool
	loadQueue      bool
	loadSkipRecalc bool
)

// loadCmd represents the load command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var loadCmd = &cobra.Command{
	Use:   "load [table...]",
	Short: "Load changed export files and recompute affected tables",
	Long: `Load fingerprints each declared export file, skips the unchanged ones,
reconciles the rest into PostgreSQL, and recomputes the derived tables whose
inputs changed. Naming tables restricts the pass to those declarations.

Examples:
  # Load everything that changed since the last run
  sabermill load

  # Reload two tables even if their files look unchanged
  sabermill load players_career_batting_stats players_career_pitching_stats --force

  # Hand the recomputation to running workers instead of running it inline
  sabermill load --queue`,
	RunE: runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)

	loadCmd.Flags().BoolVar(&loadForce, "force", false, "Reload even when the file fingerprint is unchanged")
	loadCmd.Flags().BoolVar(&loadQueue, "queue", false, "Dispatch calculations to workers instead of running them inline")
	loadCmd.Flags().BoolVar(&loadSkipRecalc, "skip-recalc", false, "Load only, leaving the derived tables stale")
}

func runLoad(cmd *cobra.Command, args []string) error {
	// Silence usage on error
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cfg, err := loadConfigFromFile(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()

	p, err := newPipeline(ctx, cfg, loadQueue)
	if err != nil {
		return err
	}
	defer p.close()

	var report *coordinator.Report

	var runErr error

	if loadSkipRecalc {
		report, runErr = p.coord.LoadTables(ctx, args, loadForce, "manual")
	} else {
		report, runErr = p.coord.RunPipeline(ctx, coordinator.RunOptions{
			Tables:   args,
			Force:    loadForce,
			UseQueue: loadQueue,
		})
	}

	if report != nil {
		printReport(report)
	}

	return runErr
}
