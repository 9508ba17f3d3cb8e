package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/api/handlers"
	"github.com/sabermill/sabermill/pkg/tables"
)

// Service defines the API service interface
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

type service struct {
	app      *fiber.App
	server   *http.Server
	config   *Config
	admin    *admin.Service
	registry *tables.Registry
	log      logrus.FieldLogger
}

// NewService creates a new API service
func NewService(cfg *Config, adminService *admin.Service, registry *tables.Registry, log logrus.FieldLogger) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &service{
		config:   cfg,
		admin:    adminService,
		registry: registry,
		log:      log.WithField("service", "api"),
	}, nil
}

// Start initializes and starts the API server
func (s *service) Start(_ context.Context) error {
	if !s.config.Enabled {
		s.log.Info("API service is disabled")
		return nil
	}

	// Create Fiber app with custom error handler
	s.app = fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		AppName:      "sabermill API",
	})

	// Setup middleware
	setupMiddleware(s.app)

	// Create API handler implementation
	server := handlers.NewServer(handlers.Stores{
		Runs:       s.admin.Runs,
		Files:      s.admin.Files,
		Watermarks: s.admin.Watermarks,
		Queue:      s.admin.Queue,
	}, s.registry, s.log)

	s.app.Get("/healthz", server.Healthz)

	apiV1 := s.app.Group("/api/v1")
	apiV1.Get("/runs", server.ListRuns)
	apiV1.Get("/tables", server.ListTables)
	apiV1.Get("/queue", server.ListQueue)

	// Prometheus metrics ride on the same listener
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Create HTTP server with the Fiber app
	fiberHandler := adaptor.FiberApp(s.app)
	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           fiberHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		s.log.WithField("addr", s.config.Addr).Info("Starting API server")

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Server failed to start")
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server
func (s *service) Stop() error {
	if s.server == nil {
		return nil
	}

	s.log.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}

var _ Service = (*service)(nil)
