package database

import (
	stdsql "database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"embed"
)

//go:embed migrations
var migrationsFS embed.FS

// runMigrations applies pending migrations from the embedded SQL files.
// Embedding guarantees production binaries carry their own schema; no
// external migration files are needed at deploy time.
func runMigrations(db *stdsql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// MigrateUp applies migrations on an externally managed pool. Exposed for
// the test database helper, which creates one schema per test.
func MigrateUp(db *stdsql.DB) error {
	return runMigrations(db)
}
