// Package admin manages the bookkeeping tables that track batch runs, file
// fingerprints, watermarks, row-level changes, and queued calculations.
package admin

import (
	"time"

	"github.com/google/uuid"
)

// Batch run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Batch run types
const (
	BatchTypeFull        = "full"
	BatchTypeIncremental = "incremental"
	BatchTypeFetchOnly   = "fetch_only"
)

// File load outcomes
const (
	FileStatusSuccess    = "success"
	FileStatusFailed     = "failed"
	FileStatusSkipped    = "skipped"
	FileStatusInProgress = "in_progress"
)

// Calculation queue item statuses
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

// Change log operations
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// DefaultMaxRetries bounds how many times a failed queue item returns to pending
const DefaultMaxRetries = 3

// BatchRun is one row of etl_batch_runs. A run is opened before any table is
// touched and closed exactly once with a terminal status.
type BatchRun struct {
	BatchID      uuid.UUID
	BatchType    string
	TriggeredBy  string
	Environment  string
	Status       string
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	Summary      *RunSummary
}

// RunSummary aggregates per-run counters, stored as JSONB on the run row
type RunSummary struct {
	TablesProcessed        int   `json:"tables_processed"`
	TablesSkipped          int   `json:"tables_skipped"`
	TablesFailed           int   `json:"tables_failed"`
	RowsInserted           int64 `json:"rows_inserted"`
	RowsUpdated            int64 `json:"rows_updated"`
	RowsDeleted            int64 `json:"rows_deleted"`
	CalculationsRun        int   `json:"calculations_run"`
	CalculationsQueued     int   `json:"calculations_queued,omitempty"`
	LeaderboardsRefreshed  int   `json:"leaderboards_refreshed,omitempty"`
	DurationMs             int64 `json:"duration_ms"`
}

// FileMetadata is one row of etl_file_metadata, keyed by the registry entry
// name. Two entries may read the same physical file; each keeps its own row.
// The checksum column always holds the fingerprint of the last successful
// load, so a failed attempt is retried on the next run.
type FileMetadata struct {
	TableName       string
	Filename        string
	LoadStrategy    string
	Checksum        string
	FileSize        int64
	FileModifiedAt  time.Time
	RowCount        int64
	LastStatus      string
	ErrorMessage    *string
	RowsInserted    int64
	RowsUpdated     int64
	RowsDeleted     int64
	ProcessingMs    int64
	BatchID         uuid.UUID
	LastProcessedAt time.Time
}

// LoadResult carries the outcome of one table load into Files.Finish
type LoadResult struct {
	Status       string
	Checksum     string
	RowCount     int64
	RowsInserted int64
	RowsUpdated  int64
	RowsDeleted  int64
	Duration     time.Duration
	ErrorMessage string
}

// Watermark is one row of etl_watermarks. Value is the canonical string form
// of the typed high-water mark and only ever moves forward.
type Watermark struct {
	TableName   string
	Column      string
	Type        string
	Value       string
	LastUpdated time.Time
	BatchID     uuid.UUID
}

// ChangeLogEntry is one row of the append-only etl_change_log ledger
type ChangeLogEntry struct {
	ID            int64
	BatchID       uuid.UUID
	TableName     string
	PrimaryKey    string
	Operation     string
	ChangedFields []string
	OldValues     map[string]string
	NewValues     map[string]string
	Year          *int
	PlayerID      *int
	CreatedAt     time.Time
}

// CalculationQueueItem is one row of etl_calculation_queue. Year, PlayerID,
// and TeamID scope the work; a NULL year means every known period.
type CalculationQueueItem struct {
	ID              int64
	BatchID         uuid.UUID
	TableName       string
	CalculationType string
	Year            *int
	PlayerID        *int
	TeamID          *int
	DependsOn       []string
	Priority        int
	Status          string
	RetryCount      int
	MaxRetries      int
	ErrorMessage    *string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}
