package db

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	libdb "watermeter/backend/libs/db"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// NewPostgres opens the meter database pool.
func NewPostgres(ctx context.Context, dsn string, maxOpenConns int) (*sqlx.DB, error) {
	return libdb.NewPostgresDB(ctx, dsn, libdb.PoolOptions{MaxOpenConns: maxOpenConns})
}

// Migrate applies every pending schema migration over its own short-lived connection
// pool, which is closed on return. Pools opened with NewPostgres are not touched.
func Migrate(ctx context.Context, dsn string) error {
	migrationDB, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("migrate: open db: %w", err)
	}
	migrationDB.SetMaxOpenConns(1)
	if err := migrationDB.PingContext(ctx); err != nil {
		_ = migrationDB.Close()
		return fmt.Errorf("migrate: ping db: %w", err)
	}

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		_ = migrationDB.Close()
		return fmt.Errorf("migrate: open source: %w", err)
	}

	// The driver owns migrationDB from here on and closes it with m.Close.
	driver, err := pgxmigrate.WithInstance(migrationDB.DB, &pgxmigrate.Config{})
	if err != nil {
		_ = src.Close()
		_ = migrationDB.Close()
		return fmt.Errorf("migrate: init driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = src.Close()
		_ = driver.Close()
		return fmt.Errorf("migrate: init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}
