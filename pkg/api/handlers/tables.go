package handlers

import (
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/sabermill/sabermill/pkg/admin"
)

// TableSummary merges a registry entry with its load bookkeeping row
type TableSummary struct {
	Name                 string         `json:"name"`
	File                 string         `json:"file"`
	Strategy             string         `json:"strategy"`
	Active               bool           `json:"active"`
	TriggersCalculations bool           `json:"triggers_calculations"`
	LastStatus           string         `json:"last_status,omitempty"`
	Checksum             string         `json:"checksum,omitempty"`
	RowCount             int64          `json:"row_count,omitempty"`
	RowsInserted         int64          `json:"rows_inserted,omitempty"`
	RowsUpdated          int64          `json:"rows_updated,omitempty"`
	RowsDeleted          int64          `json:"rows_deleted,omitempty"`
	ProcessingMs         int64          `json:"processing_ms,omitempty"`
	LastProcessedAt      *time.Time     `json:"last_processed_at,omitempty"`
	Watermark            *WatermarkInfo `json:"watermark,omitempty"`
}

// WatermarkInfo is the append watermark attached to a table summary
type WatermarkInfo struct {
	Column    string    `json:"column"`
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListTables handles GET /api/v1/tables
func (s *Server) ListTables(c fiber.Ctx) error {
	ctx := c.Context()

	files, err := s.stores.Files.All(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to list file metadata")
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list tables")
	}

	marks, err := s.stores.Watermarks.All(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to list watermarks")
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list tables")
	}

	summaries := s.buildTableSummaries(files, marks)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"tables": summaries,
		"total":  len(summaries),
	})
}

func (s *Server) buildTableSummaries(files []*admin.FileMetadata, marks []*admin.Watermark) []TableSummary {
	fileByTable := make(map[string]*admin.FileMetadata, len(files))
	for _, f := range files {
		fileByTable[f.TableName] = f
	}

	markByTable := make(map[string]*admin.Watermark, len(marks))
	for _, m := range marks {
		markByTable[m.TableName] = m
	}

	summaries := make([]TableSummary, 0, len(s.registry.All()))

	for _, cfg := range s.registry.All() {
		summary := TableSummary{
			Name:                 cfg.Name,
			File:                 cfg.File,
			Strategy:             string(cfg.Strategy),
			Active:               cfg.IsActive(),
			TriggersCalculations: cfg.TriggersCalculations,
		}

		if file, ok := fileByTable[cfg.Name]; ok {
			processedAt := file.LastProcessedAt
			summary.LastStatus = file.LastStatus
			summary.Checksum = file.Checksum
			summary.RowCount = file.RowCount
			summary.RowsInserted = file.RowsInserted
			summary.RowsUpdated = file.RowsUpdated
			summary.RowsDeleted = file.RowsDeleted
			summary.ProcessingMs = file.ProcessingMs
			summary.LastProcessedAt = &processedAt
		}

		if mark, ok := markByTable[cfg.Name]; ok {
			summary.Watermark = &WatermarkInfo{
				Column:    mark.Column,
				Type:      mark.Type,
				Value:     mark.Value,
				UpdatedAt: mark.LastUpdated,
			}
		}

		summaries = append(summaries, summary)
	}

	// Sort by name for consistent ordering
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})

	return summaries
}
