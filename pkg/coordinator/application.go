package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/api"
	"github.com/sabermill/sabermill/pkg/derive"
	"github.com/sabermill/sabermill/pkg/leaders"
	"github.com/sabermill/sabermill/pkg/loader"
	"github.com/sabermill/sabermill/pkg/observability"
	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/redis"
	"github.com/sabermill/sabermill/pkg/scheduler"
	"github.com/sabermill/sabermill/pkg/snapshot"
	"github.com/sabermill/sabermill/pkg/tables"
	"github.com/sabermill/sabermill/pkg/tasks"
)

// Application wires service mode: the metrics and pprof listeners, the
// database and Redis clients, the scheduler that triggers pipeline runs,
// and the read-only API.
type Application struct {
	config *Config
	log    *logrus.Logger

	client       postgres.Client
	queueManager *tasks.QueueManager
	coordinator  *Coordinator
	scheduler    scheduler.Service
	api          api.Service
	pprofServer  *http.Server
}

// NewApplication creates the service-mode application
func NewApplication(cfg *Config, log *logrus.Logger) *Application {
	return &Application{
		config: cfg,
		log:    log,
	}
}

// Start validates configuration, connects every client, and brings up the
// scheduler and API
func (a *Application) Start(ctx context.Context) error {
	if err := a.config.ValidateService(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.log.Info("Starting pipeline service...")

	observability.StartMetricsServer(a.config.MetricsAddr)
	a.log.WithField("addr", a.config.MetricsAddr).Info("Started metrics server")

	if a.config.PProfAddr != "" {
		a.startPProf()
	}

	client, err := postgres.NewClient(a.log, &a.config.Database)
	if err != nil {
		return fmt.Errorf("failed to create postgres client: %w", err)
	}

	if err := client.Start(ctx); err != nil {
		return err
	}

	a.client = client

	registry, err := tables.LoadRegistry(a.config.TablesPath)
	if err != nil {
		return err
	}

	adminSvc := admin.NewService(a.log, client)
	source := snapshot.NewSource(a.log, &a.config.Data)

	redisOpt, err := a.config.Redis.Options()
	if err != nil {
		return err
	}

	a.queueManager = tasks.NewQueueManager(
		redis.NewAsynqRedisOptions(redisOpt),
		a.config.Redis.PrefixQueue(tasks.QueueDerive),
	)

	coord, err := New(a.log, Deps{
		Runs:       adminSvc.Runs,
		Sync:       adminSvc.TableSync,
		Queue:      adminSvc.Queue,
		Registry:   registry,
		Loader:     loader.NewLoader(a.log, client, adminSvc, source),
		Engine:     derive.NewEngine(a.log, client),
		Leaders:    leaders.NewRefresher(a.log, client, &a.config.Leaders),
		Dispatcher: a.queueManager,
	}, a.config.Environment)
	if err != nil {
		return err
	}

	a.coordinator = coord

	sched, err := scheduler.NewService(a.log, &a.config.Scheduler, redisOpt,
		a.config.Redis.PrefixKey("scheduler:lock"), coord)
	if err != nil {
		return err
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.scheduler = sched

	apiSvc, err := api.NewService(&a.config.API, adminSvc, registry, a.log)
	if err != nil {
		return err
	}

	if err := apiSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start api: %w", err)
	}

	a.api = apiSvc

	a.log.WithField("tables", len(registry.All())).Info("Pipeline service started")

	return nil
}

// Stop shuts the service down in reverse start order
func (a *Application) Stop() error {
	a.log.Info("Shutting down pipeline service...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.api != nil {
		if err := a.api.Stop(); err != nil {
			a.log.WithError(err).Error("Failed to stop api")
		}
	}

	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			a.log.WithError(err).Error("Failed to stop scheduler")
		}
	}

	if a.queueManager != nil {
		if err := a.queueManager.Close(); err != nil {
			a.log.WithError(err).Error("Failed to close queue manager")
		}
	}

	if a.client != nil {
		if err := a.client.Stop(); err != nil {
			a.log.WithError(err).Error("Failed to stop postgres client")
		}
	}

	if a.pprofServer != nil {
		if err := a.pprofServer.Shutdown(ctx); err != nil {
			a.log.WithError(err).Error("Failed to shutdown pprof server")
		}
	}

	a.log.Info("Pipeline service stopped")

	return nil
}

func (a *Application) startPProf() {
	a.log.WithField("addr", a.config.PProfAddr).Info("Starting pprof server")

	a.pprofServer = &http.Server{
		Addr:              a.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	go func() {
		if err := a.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Pprof server failed")
		}
	}()
}
