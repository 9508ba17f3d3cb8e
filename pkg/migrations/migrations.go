// Package migrations owns the schema for the bookkeeping and derived
// tables. The raw stat tables arrive with the game's own DDL and are never
// created here; the final migration only decorates them with derived metric
// columns wherever they already exist.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed *.sql
var migrationFS embed.FS

// MigrationsTable keeps migrate's version row next to the other etl_* tables
const MigrationsTable = "etl_schema_migrations"

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: MigrationsTable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// Up applies every pending migration. An already current schema is not an
// error.
func Up(log logrus.FieldLogger, db *sql.DB) error {
	log = log.WithField("component", "migrations")

	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck // Close only releases the borrowed connection

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("Schema already up to date")

			return nil
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	log.WithField("version", version).Info("Schema migrated")

	return nil
}

// Down rolls every migration back, dropping the bookkeeping and derived
// tables and the derived metric columns. An already empty schema is not an
// error.
func Down(log logrus.FieldLogger, db *sql.DB) error {
	log = log.WithField("component", "migrations")

	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	defer m.Close() //nolint:errcheck // Close only releases the borrowed connection

	if err := m.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("Schema already empty")

			return nil
		}

		return fmt.Errorf("rollback failed: %w", err)
	}

	log.Info("Schema rolled back")

	return nil
}
