//go:build integration

package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	// Database handles opened here speak the pq driver.
	_ "github.com/lib/pq"
)

// PostgresConnection holds connection details for test containers.
type PostgresConnection struct {
	DB  *sql.DB
	DSN string
}

// NewPostgresContainer starts a PostgreSQL container and returns an open
// database handle plus the DSN for code that opens its own connections.
// The container is automatically terminated when the test completes.
func NewPostgresContainer(t *testing.T) *PostgresConnection {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("sabermill_test"),
		tcpostgres.WithUsername("sabermill"),
		tcpostgres.WithPassword("sabermill"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start PostgreSQL container: %v", err)
	}

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate PostgreSQL container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open database handle: %v", err)
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("failed to close database handle: %v", err)
		}
	})

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return &PostgresConnection{
		DB:  db,
		DSN: dsn,
	}
}
