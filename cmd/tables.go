package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sabermill/sabermill/pkg/tables"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var tablesValidate bool

// tablesCmd represents the tables command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "Print the table registry in load order",
	Long: `Tables prints every declaration from the registry in dependency order.
With --validate it only checks the registry (strategies, dependency graph,
watermark declarations) and reports the verdict.`,
	RunE: runTables,
}

func init() {
	rootCmd.AddCommand(tablesCmd)

	tablesCmd.Flags().BoolVar(&tablesValidate, "validate", false, "Check the registry without printing it")
}

func runTables(cmd *cobra.Command, _ []string) error {
	// Silence usage on error
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cfg, err := loadConfigFromFile(cfgFile)
	if err != nil {
		return err
	}

	registry, err := tables.LoadRegistry(cfg.TablesPath)
	if err != nil {
		return fmt.Errorf("registry invalid: %w", err)
	}

	ordered, err := registry.LoadOrder()
	if err != nil {
		return fmt.Errorf("registry invalid: %w", err)
	}

	if tablesValidate {
		fmt.Printf("Registry valid: %d tables, %d active\n",
			len(registry.All()), len(ordered))

		return nil
	}

	fmt.Println("Load order:")

	for i, tbl := range ordered {
		var notes []string

		if len(tbl.PrimaryKeys) > 0 {
			notes = append(notes, "pk="+strings.Join(tbl.PrimaryKeys, ","))
		}

		if tbl.Watermark != nil {
			notes = append(notes, "watermark="+tbl.Watermark.Column)
		}

		if len(tbl.DependsOn) > 0 {
			notes = append(notes, "after="+strings.Join(tbl.DependsOn, ","))
		}

		if tbl.TriggersCalculations {
			notes = append(notes, "triggers")
		}

		fmt.Printf("  %2d. %-34s %-12s %s\n",
			i+1, tbl.Name, tbl.Strategy, strings.Join(notes, "  "))
	}

	var inactive []string

	for _, tbl := range registry.All() {
		if !tbl.IsActive() {
			inactive = append(inactive, tbl.Name)
		}
	}

	if len(inactive) > 0 {
		fmt.Printf("\nInactive: %s\n", strings.Join(inactive, ", "))
	}

	return nil
}
