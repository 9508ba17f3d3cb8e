package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sabermill/sabermill/pkg/coordinator"
	"github.com/sabermill/sabermill/pkg/derive"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	recalcYear  int
	recalcStage string
	recalcQueue bool
)

// recalcCmd represents the recalc command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recompute derived tables without loading anything",
	Long: `Recalc reruns the calculation cascade against what is already loaded.
Recomputing is idempotent: the same inputs produce the same derived rows no
matter how often it runs.

Examples:
  # Recompute every derived table for every season
  sabermill recalc

  # Recompute one season
  sabermill recalc --year 2023

  # Recompute a single stage for one season
  sabermill recalc --stage run_values --year 2023`,
	RunE: runRecalc,
}

func init() {
	rootCmd.AddCommand(recalcCmd)

	recalcCmd.Flags().IntVar(&recalcYear, "year", 0, "Restrict the recompute to one season")
	recalcCmd.Flags().StringVar(&recalcStage, "stage", "", "Run a single calculation stage instead of the full cascade")
	recalcCmd.Flags().BoolVar(&recalcQueue, "queue", false, "Dispatch calculations to workers instead of running them inline")
}

func runRecalc(cmd *cobra.Command, _ []string) error {
	// Silence usage on error
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cfg, err := loadConfigFromFile(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()

	p, err := newPipeline(ctx, cfg, recalcQueue)
	if err != nil {
		return err
	}
	defer p.close()

	opts := coordinator.RecalcOptions{
		Stage:    recalcStage,
		UseQueue: recalcQueue,
	}

	if recalcYear != 0 {
		opts.Scopes = []derive.Scope{derive.Season(recalcYear)}
	}

	report, runErr := p.coord.RunRecalculation(ctx, opts, "manual")
	if report != nil {
		printReport(report)
	}

	return runErr
}
