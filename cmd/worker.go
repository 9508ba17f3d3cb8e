package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/derive"
	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/tasks"
	"github.com/sabermill/sabermill/pkg/worker"
)

// workerCmd represents the worker command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a calculation worker",
	Long: `Worker consumes queued calculation stages and executes them against the
database. Run as many workers as the queue needs; the durable queue row
decides which one actually performs each stage.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	// Silence usage on error
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	// Load configuration
	config, err := loadConfigFromFile(cfgFile)
	if err != nil {
		return err
	}

	// Setup logger
	level, err := logrus.ParseLevel(config.Logging)
	if err != nil {
		return err
	}
	logger := logrus.New()
	logger.SetLevel(level)

	logger.Info("Configuration loaded")

	if err := config.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	ctx := context.Background()

	client, err := postgres.NewClient(logger, &config.Database)
	if err != nil {
		return fmt.Errorf("failed to create postgres client: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		return err
	}

	adminSvc := admin.NewService(logger, client)
	engine := derive.NewEngine(logger, client)

	redisOpt, err := config.Redis.Options()
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	svc, err := worker.NewService(logger, &config.Worker, redisOpt,
		config.Redis.PrefixQueue(tasks.QueueDerive), adminSvc.Queue, engine)
	if err != nil {
		return err
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// Graceful shutdown
	if err := svc.Stop(); err != nil {
		logger.WithError(err).Error("Failed to stop worker service")
	}

	return client.Stop()
}
