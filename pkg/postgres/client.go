package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Define static errors
var (
	ErrNoColumns = errors.New("bulk insert requires at least one column")
	ErrNilTx     = errors.New("bulk insert requires an open transaction")
)

// Client defines the methods for interacting with PostgreSQL
type Client interface {
	// QueryRow executes a query expected to return at most one row
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	// Query executes a query returning multiple rows
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	// Exec runs a statement and returns its result
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	// BeginTx opens a transaction
	BeginTx(ctx context.Context) (*sql.Tx, error)
	// BulkInsert streams rows into a table via COPY within the given transaction
	BulkInsert(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) (int64, error)
	// DB exposes the underlying handle for tooling that drives database/sql
	// directly, such as schema migrations
	DB() *sql.DB
	// Start verifies connectivity
	Start(ctx context.Context) error
	// Stop closes the connection pool
	Stop() error
}

// client implements the Client interface over database/sql with the pq driver
type client struct {
	log   logrus.FieldLogger
	db    *sql.DB
	debug bool

	queryTimeout  time.Duration
	insertTimeout time.Duration
}

// NewClient creates a new PostgreSQL client
func NewClient(log logrus.FieldLogger, cfg *Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.SetDefaults()

	db, err := sql.Open("postgres", cfg.ExpandedDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &client{
		log:           log.WithField("component", "postgres"),
		db:            db,
		debug:         cfg.Debug,
		queryTimeout:  cfg.QueryTimeout,
		insertTimeout: cfg.InsertTimeout,
	}, nil
}

// NewClientFromDB wraps an existing database handle. Used by tests with sqlmock.
func NewClientFromDB(log logrus.FieldLogger, db *sql.DB) Client {
	return &client{
		log:           log.WithField("component", "postgres"),
		db:            db,
		queryTimeout:  30 * time.Second,
		insertTimeout: 5 * time.Minute,
	}
}

func (c *client) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}

	c.log.Info("Connected to PostgreSQL")

	return nil
}

func (c *client) Stop() error {
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	c.log.Info("Closed PostgreSQL client")

	return nil
}

func (c *client) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	c.logQuery(query)
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c *client) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.logQuery(query)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}

	return rows, nil
}

func (c *client) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.logQuery(query)

	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w", err)
	}

	return result, nil
}

func (c *client) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return tx, nil
}

func (c *client) DB() *sql.DB {
	return c.db
}

// BulkInsert uses the pq COPY protocol. The rows are streamed inside the
// caller's transaction so a failed copy rolls back with everything else.
func (c *client) BulkInsert(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) (int64, error) {
	if tx == nil {
		return 0, ErrNilTx
	}

	if len(columns) == 0 {
		return 0, ErrNoColumns
	}

	if len(rows) == 0 {
		return 0, nil
	}

	copyCtx, cancel := context.WithTimeout(ctx, c.insertTimeout)
	defer cancel()

	stmt, err := tx.PrepareContext(copyCtx, pq.CopyIn(table, columns...))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare copy: %w", err)
	}

	for i, row := range rows {
		if _, err := stmt.ExecContext(copyCtx, row...); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("failed to copy row %d: %w", i, err)
		}
	}

	// Final Exec flushes the COPY buffer; server-side type errors surface here.
	if _, err := stmt.ExecContext(copyCtx); err != nil {
		_ = stmt.Close()
		return 0, fmt.Errorf("failed to flush copy: %w", err)
	}

	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("failed to close copy statement: %w", err)
	}

	return int64(len(rows)), nil
}

func (c *client) logQuery(query string) {
	if !c.debug {
		return
	}

	logQuery := query
	if len(query) > 1000 {
		logQuery = query[:1000] + "... (truncated)"
	}

	c.log.WithField("query", logQuery).Debug("Executing query")
}

// QuoteIdentifier quotes a table or column name for safe interpolation into
// dynamically built SQL.
func QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// QuoteQualified quotes a possibly schema-qualified identifier.
func QuoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}

	return strings.Join(parts, ".")
}

var _ Client = (*client)(nil)
