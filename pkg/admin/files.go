package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/postgres"
	"github.com/sabermill/sabermill/pkg/snapshot"
	"github.com/sabermill/sabermill/pkg/tables"
)

// ErrFileNotFound is returned when no metadata row exists for a table
var ErrFileNotFound = errors.New("file metadata not found")

// Files manages the etl_file_metadata tracking table
type Files struct {
	log    logrus.FieldLogger
	client postgres.Client
}

// NewFiles creates a file metadata tracker
func NewFiles(log logrus.FieldLogger, client postgres.Client) *Files {
	return &Files{
		log:    log.WithField("component", "admin/files"),
		client: client,
	}
}

var _ snapshot.MetadataReader = (*Files)(nil)

// LastChecksum returns the fingerprint of the last successful load for a
// table. Found is false when the table has never loaded successfully.
func (f *Files) LastChecksum(ctx context.Context, table string) (string, bool, error) {
	var checksum string

	err := f.client.QueryRow(ctx, `
		SELECT checksum FROM etl_file_metadata WHERE table_name = $1
	`, table).Scan(&checksum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("failed to fetch checksum: %w", err)
	}

	if checksum == "" {
		return "", false, nil
	}

	return checksum, true, nil
}

// Begin upserts the metadata row into the in_progress state before a load
// attempt. The stored checksum is left untouched so an interrupted load is
// retried on the next run.
func (f *Files) Begin(ctx context.Context, artifact *snapshot.Artifact, strategy string, batchID uuid.UUID) error {
	_, err := f.client.Exec(ctx, `
		INSERT INTO etl_file_metadata (
			table_name, filename, load_strategy, checksum, file_size,
			file_modified_at, last_status, batch_id, last_processed_at
		)
		VALUES ($1, $2, $3, '', $4, $5, $6, $7, $8)
		ON CONFLICT (table_name) DO UPDATE SET
			filename = EXCLUDED.filename,
			load_strategy = EXCLUDED.load_strategy,
			file_size = EXCLUDED.file_size,
			file_modified_at = EXCLUDED.file_modified_at,
			last_status = EXCLUDED.last_status,
			error_message = NULL,
			batch_id = EXCLUDED.batch_id,
			last_processed_at = EXCLUDED.last_processed_at
	`, artifact.Table, artifact.File, strategy, artifact.Size, artifact.ModifiedAt,
		FileStatusInProgress, batchID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to begin file metadata: %w", err)
	}

	return nil
}

// Finish records the outcome of a load attempt. The checksum advances only
// on success so failed loads keep the previous fingerprint and retry.
func (f *Files) Finish(ctx context.Context, table string, result *LoadResult) error {
	var errText any
	if result.ErrorMessage != "" {
		errText = result.ErrorMessage
	}

	_, err := f.client.Exec(ctx, `
		UPDATE etl_file_metadata SET
			last_status = $2,
			checksum = CASE WHEN $2 = $3 THEN $4 ELSE checksum END,
			row_count = $5,
			rows_inserted = $6,
			rows_updated = $7,
			rows_deleted = $8,
			processing_ms = $9,
			error_message = $10,
			last_processed_at = $11
		WHERE table_name = $1
	`, table, result.Status, FileStatusSuccess, result.Checksum, result.RowCount,
		result.RowsInserted, result.RowsUpdated, result.RowsDeleted,
		result.Duration.Milliseconds(), errText, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish file metadata: %w", err)
	}

	return nil
}

// Fail upserts a failed row for a table whose artifact could not even be
// resolved, so a missing or unreadable file still shows up in the metadata.
func (f *Files) Fail(ctx context.Context, cfg *tables.Config, batchID uuid.UUID, errMsg string) error {
	_, err := f.client.Exec(ctx, `
		INSERT INTO etl_file_metadata (
			table_name, filename, load_strategy, checksum, last_status,
			error_message, batch_id, last_processed_at
		)
		VALUES ($1, $2, $3, '', $4, $5, $6, $7)
		ON CONFLICT (table_name) DO UPDATE SET
			last_status = EXCLUDED.last_status,
			error_message = EXCLUDED.error_message,
			batch_id = EXCLUDED.batch_id,
			last_processed_at = EXCLUDED.last_processed_at
	`, cfg.Name, cfg.ArtifactFile(), string(cfg.Strategy), FileStatusFailed,
		errMsg, batchID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record artifact failure: %w", err)
	}

	return nil
}

// RecordSkip notes that the artifact was seen but its fingerprint matched
// the last successful load, so no work was done.
func (f *Files) RecordSkip(ctx context.Context, artifact *snapshot.Artifact, strategy string, batchID uuid.UUID) error {
	_, err := f.client.Exec(ctx, `
		INSERT INTO etl_file_metadata (
			table_name, filename, load_strategy, checksum, file_size,
			file_modified_at, last_status, batch_id, last_processed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (table_name) DO UPDATE SET
			file_size = EXCLUDED.file_size,
			file_modified_at = EXCLUDED.file_modified_at,
			last_status = EXCLUDED.last_status,
			error_message = NULL,
			batch_id = EXCLUDED.batch_id,
			last_processed_at = EXCLUDED.last_processed_at
	`, artifact.Table, artifact.File, strategy, artifact.Checksum, artifact.Size,
		artifact.ModifiedAt, FileStatusSkipped, batchID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record skip: %w", err)
	}

	return nil
}

// Get fetches the metadata row for one table
func (f *Files) Get(ctx context.Context, table string) (*FileMetadata, error) {
	row := f.client.QueryRow(ctx, fileMetadataSelect+` WHERE table_name = $1`, table)

	meta, err := scanFileMetadata(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFileNotFound
		}

		return nil, fmt.Errorf("failed to fetch file metadata: %w", err)
	}

	return meta, nil
}

// All returns every metadata row ordered by table name
func (f *Files) All(ctx context.Context) ([]*FileMetadata, error) {
	rows, err := f.client.Query(ctx, fileMetadataSelect+` ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list file metadata: %w", err)
	}
	defer rows.Close()

	var all []*FileMetadata

	for rows.Next() {
		meta, err := scanFileMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file metadata: %w", err)
		}

		all = append(all, meta)
	}

	return all, rows.Err()
}

const fileMetadataSelect = `
	SELECT table_name, filename, load_strategy, checksum, file_size,
	       file_modified_at, row_count, last_status, error_message,
	       rows_inserted, rows_updated, rows_deleted, processing_ms,
	       batch_id, last_processed_at
	FROM etl_file_metadata`

func scanFileMetadata(row rowScanner) (*FileMetadata, error) {
	var (
		meta   FileMetadata
		errMsg sql.NullString
	)

	if err := row.Scan(
		&meta.TableName, &meta.Filename, &meta.LoadStrategy, &meta.Checksum,
		&meta.FileSize, &meta.FileModifiedAt, &meta.RowCount, &meta.LastStatus,
		&errMsg, &meta.RowsInserted, &meta.RowsUpdated, &meta.RowsDeleted,
		&meta.ProcessingMs, &meta.BatchID, &meta.LastProcessedAt,
	); err != nil {
		return nil, err
	}

	if errMsg.Valid {
		meta.ErrorMessage = &errMsg.String
	}

	return &meta, nil
}
