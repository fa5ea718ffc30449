// Package database provides the PostgreSQL client and migration utilities.
package database

import (
	"context"
	stdsql "database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tempoworks/tempo/pkg/config"
)

// Client wraps the gorm handle and the underlying database/sql pool. The
// pool is shared: migrations and health checks run on the raw handle, the
// stores ride gorm on top of the same connections.
type Client struct {
	gorm *gorm.DB
	db   *stdsql.DB
}

// DB returns the raw connection pool for health checks and direct queries.
func (c *Client) DB() *stdsql.DB {
	return c.db
}

// Gorm returns the gorm handle the stores are built on.
func (c *Client) Gorm() *gorm.DB {
	return c.gorm
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClient opens the connection pool, applies pending migrations, and
// wraps the pool in a gorm handle.
func NewClient(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime())

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	client, err := NewClientFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return client, nil
}

// NewClientFromDB wraps an existing pool without running migrations.
// Used by tests that manage schemas themselves.
func NewClientFromDB(db *stdsql.DB) (*Client, error) {
	gdb, err := gorm.Open(gormpg.New(gormpg.Config{Conn: db}), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm over existing pool: %w", err)
	}
	return &Client{gorm: gdb, db: db}, nil
}
