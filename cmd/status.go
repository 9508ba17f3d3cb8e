package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sabermill/sabermill/pkg/admin"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	statusLimit int
	statusTable string
)

// statusCmd represents the status command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs, file states, and queue depth",
	Long: `Status reads the bookkeeping tables. Without flags it lists the most
recent batch runs and the calculation queue depth; with --table it shows one
table's file state, watermark, and latest recorded changes.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "How many runs or change entries to show")
	statusCmd.Flags().StringVar(&statusTable, "table", "", "Show one table instead of the run overview")
}

func runStatus(cmd *cobra.Command, _ []string) error {
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

	adminSvc := admin.NewService(logger, client)

	if statusTable != "" {
		return printTableStatus(ctx, adminSvc, statusTable)
	}

	return printOverview(ctx, adminSvc)
}

func printOverview(ctx context.Context, adminSvc *admin.Service) error {
	runs, err := adminSvc.Runs.Recent(ctx, statusLimit)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded yet")
	} else {
		fmt.Println("Recent runs:")

		for _, run := range runs {
			line := fmt.Sprintf("  %s  %-11s %-9s started %s",
				run.BatchID, run.BatchType, run.Status,
				run.StartedAt.Format(time.RFC3339))

			if run.Summary != nil {
				line += fmt.Sprintf("  (%d tables, %d calcs, %dms)",
					run.Summary.TablesProcessed, run.Summary.CalculationsRun,
					run.Summary.DurationMs)
			}

			fmt.Println(line)

			if run.ErrorMessage != nil {
				fmt.Printf("      error: %s\n", *run.ErrorMessage)
			}
		}
	}

	counts, err := adminSvc.Queue.Counts(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\nCalculation queue: pending %d, processing %d, completed %d, failed %d\n",
		counts[admin.QueueStatusPending], counts[admin.QueueStatusProcessing],
		counts[admin.QueueStatusCompleted], counts[admin.QueueStatusFailed])

	return nil
}

func printTableStatus(ctx context.Context, adminSvc *admin.Service, table string) error {
	meta, err := adminSvc.Files.Get(ctx, table)
	if err != nil {
		if errors.Is(err, admin.ErrFileNotFound) {
			fmt.Printf("%s: never loaded\n", table)

			return nil
		}

		return err
	}

	fmt.Printf("%s:\n", table)
	fmt.Printf("  strategy:  %s\n", meta.LoadStrategy)
	fmt.Printf("  file:      %s\n", meta.Filename)
	fmt.Printf("  status:    %s", meta.LastStatus)

	if meta.ErrorMessage != nil {
		fmt.Printf("  (%s)", *meta.ErrorMessage)
	}

	fmt.Println()
	fmt.Printf("  checksum:  %s\n", meta.Checksum)
	fmt.Printf("  rows:      %d (%d inserted, %d updated, %d deleted)\n",
		meta.RowCount, meta.RowsInserted, meta.RowsUpdated, meta.RowsDeleted)
	fmt.Printf("  processed: %s in %dms\n",
		meta.LastProcessedAt.Format(time.RFC3339), meta.ProcessingMs)

	wm, err := adminSvc.Watermarks.Get(ctx, table)
	if err != nil {
		return err
	}

	if wm != nil {
		fmt.Printf("  watermark: %s = %s (advanced %s)\n",
			wm.Column, wm.Value, wm.LastUpdated.Format(time.RFC3339))
	}

	entries, err := adminSvc.ChangeLog.ForTable(ctx, table, statusLimit)
	if err != nil {
		return err
	}

	if len(entries) > 0 {
		fmt.Println("\nRecent changes:")

		for _, entry := range entries {
			line := fmt.Sprintf("  %-6s %s", entry.Operation, entry.PrimaryKey)

			if len(entry.ChangedFields) > 0 {
				line += fmt.Sprintf("  [%s]", strings.Join(entry.ChangedFields, " "))
			}

			fmt.Printf("%s  %s\n", line, entry.CreatedAt.Format(time.RFC3339))
		}
	}

	return nil
}
