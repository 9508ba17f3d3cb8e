package cmd

import (
	"context"
	"fmt"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/coordinator"
	"github.com/sabermill/sabermill/pkg/derive"
	"github.com/sabermill/sabermill/pkg/leaders"
	"github.com/sabermill/sabermill/pkg/loader"
	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/snapshot"
	"github.com/sabermill/sabermill/pkg/tables"
	"github.com/sabermill/sabermill/pkg/tasks"
)

// pipeline bundles the services a one-shot command wires over one database
// connection. close releases everything in reverse order.
type pipeline struct {
	cfg      *coordinator.Config
	client   postgres.Client
	admin    *admin.Service
	registry *tables.Registry
	coord    *coordinator.Coordinator
	queueMgr *tasks.QueueManager
}

// newPipeline connects and wires the one-shot services. With useQueue the
// asynq client is connected as well so calculations can be handed to
// workers instead of running inline.
func newPipeline(ctx context.Context, cfg *coordinator.Config, useQueue bool) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	registry, err := tables.LoadRegistry(cfg.TablesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load table registry: %w", err)
	}

	var queueMgr *tasks.QueueManager

	if useQueue {
		redisOpt, err := cfg.Redis.AsynqOptions()
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}

		queueMgr = tasks.NewQueueManager(redisOpt, cfg.Redis.PrefixQueue(tasks.QueueDerive))
	}

	client, err := openClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	adminSvc := admin.NewService(logger, client)
	source := snapshot.NewSource(logger, &cfg.Data)

	deps := coordinator.Deps{
		Runs:     adminSvc.Runs,
		Sync:     adminSvc.TableSync,
		Queue:    adminSvc.Queue,
		Registry: registry,
		Loader:   loader.NewLoader(logger, client, adminSvc, source),
		Engine:   derive.NewEngine(logger, client),
		Leaders:  leaders.NewRefresher(logger, client, &cfg.Leaders),
	}

	// Assigning a nil *QueueManager directly would make the interface
	// non-nil and flip the coordinator into queue mode.
	if queueMgr != nil {
		deps.Dispatcher = queueMgr
	}

	coord, err := coordinator.New(logger, deps, cfg.Environment)
	if err != nil {
		_ = client.Stop()

		return nil, err
	}

	return &pipeline{
		cfg:      cfg,
		client:   client,
		admin:    adminSvc,
		registry: registry,
		coord:    coord,
		queueMgr: queueMgr,
	}, nil
}

func (p *pipeline) close() {
	if p.queueMgr != nil {
		if err := p.queueMgr.Close(); err != nil {
			logger.WithError(err).Error("Failed to close queue manager")
		}
	}

	if err := p.client.Stop(); err != nil {
		logger.WithError(err).Error("Failed to close postgres client")
	}
}

// printReport writes the one-shot run outcome to stdout. Detail lives in the
// logs and the etl_batch_runs row; this is the at-a-glance result.
func printReport(report *coordinator.Report) {
	s := report.Summary

	fmt.Printf("Batch %s %s in %dms\n", report.BatchID, report.Status, s.DurationMs)
	fmt.Printf("  tables: %d processed, %d skipped, %d failed\n",
		s.TablesProcessed, s.TablesSkipped, s.TablesFailed)
	fmt.Printf("  rows: %d inserted, %d updated, %d deleted\n",
		s.RowsInserted, s.RowsUpdated, s.RowsDeleted)

	if s.CalculationsQueued > 0 {
		fmt.Printf("  calculations: %d queued, %d completed\n",
			s.CalculationsQueued, s.CalculationsRun)
	} else if s.CalculationsRun > 0 {
		fmt.Printf("  calculations: %d run\n", s.CalculationsRun)
	}

	if s.LeaderboardsRefreshed > 0 {
		fmt.Printf("  leaderboards: %d refreshed\n", s.LeaderboardsRefreshed)
	}
}

// openClient connects to the database for commands that only need the client.
func openClient(ctx context.Context, cfg *coordinator.Config) (postgres.Client, error) {
	client, err := postgres.NewClient(logger, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres client: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		return nil, err
	}

	return client, nil
}
