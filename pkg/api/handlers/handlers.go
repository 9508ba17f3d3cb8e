// Package handlers implements the read-only JSON endpoints that expose run
// history, table load state, and the calculation queue.
package handlers

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/admin"
	"github.com/sabermill/sabermill/pkg/tables"
)

// RunStore provides batch run history
type RunStore interface {
	Recent(ctx context.Context, limit int) ([]*admin.BatchRun, error)
}

// FileStore provides per-table load bookkeeping
type FileStore interface {
	All(ctx context.Context) ([]*admin.FileMetadata, error)
}

// WatermarkStore provides append watermarks
type WatermarkStore interface {
	All(ctx context.Context) ([]*admin.Watermark, error)
}

// QueueStore provides calculation queue state
type QueueStore interface {
	List(ctx context.Context, status string, limit int) ([]*admin.CalculationQueueItem, error)
	Counts(ctx context.Context) (map[string]int64, error)
}

// Stores bundles the trackers the API reads from. The concrete trackers in
// pkg/admin satisfy these interfaces directly.
type Stores struct {
	Runs       RunStore
	Files      FileStore
	Watermarks WatermarkStore
	Queue      QueueStore
}

// Server implements the API endpoints over the bookkeeping tables and the
// table registry. Every endpoint is read-only.
type Server struct {
	stores   Stores
	registry *tables.Registry
	log      logrus.FieldLogger
}

// NewServer creates a new API server instance
func NewServer(stores Stores, registry *tables.Registry, log logrus.FieldLogger) *Server {
	return &Server{
		stores:   stores,
		registry: registry,
		log:      log.WithField("component", "api.handlers"),
	}
}

// Healthz handles GET /healthz
func (s *Server) Healthz(c fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}
