package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // PGX v5 driver for golang-migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stravabronze/activity-sync/migrations"
	"github.com/ubuntu/decorate"
)

// Migrate applies all up migrations from dir, or from the embedded migrations if dir is empty.
func Migrate(ctx context.Context, cfg Config, dir string) (err error) {
	defer decorate.OnError(&err, "could not migrate database")

	m, err := newMigrate(cfg, dir)
	if err != nil {
		return err
	}
	defer closeMigrate(m)

	return runMigration(ctx, m, func() error {
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				slog.Info("No new migrations to apply")
				return nil
			}
			return fmt.Errorf("failed to apply migrations: %v", err)
		}
		slog.Info("Migrations applied successfully")
		return nil
	})
}

// ResetSchema drops and recreates the activity table from the embedded migrations.
//
// All stored activities are lost.
func (db *Manager) ResetSchema(ctx context.Context) (err error) {
	defer decorate.OnError(&err, "could not reset database schema")

	m, err := newMigrate(db.cfg, "")
	if err != nil {
		return err
	}
	defer closeMigrate(m)

	return runMigration(ctx, m, func() error {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to drop schema: %v", err)
		}
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to create schema: %v", err)
		}
		slog.Info("Database schema reset")
		return nil
	})
}

func newMigrate(cfg Config, dir string) (*migrate.Migrate, error) {
	dsn := cfg.URI("pgx5")

	if dir == "" {
		src, err := iofs.New(migrations.FS, ".")
		if err != nil {
			return nil, fmt.Errorf("failed to load embedded migrations: %v", err)
		}
		m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration instance: %v", err)
		}
		return m, nil
	}

	fileInfo, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("the provided path to migration scripts is not valid: %v", err)
	}
	if !fileInfo.IsDir() {
		return nil, fmt.Errorf("the provided path to migration scripts should be a directory, not a file")
	}

	m, err := migrate.New(fmt.Sprintf("file://%s", dir), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %v", err)
	}
	return m, nil
}

// runMigration runs fn, asking the migration to stop gracefully if ctx is done.
func runMigration(ctx context.Context, m *migrate.Migrate, fn func() error) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	if err := fn(); err != nil {
		return err
	}
	return ctx.Err()
}

func closeMigrate(m *migrate.Migrate) {
	if sErr, dbErr := m.Close(); sErr != nil || dbErr != nil {
		if sErr != nil {
			slog.Error("failed to close migration instance", "error", sErr)
		}
		if dbErr != nil {
			slog.Error("failed to close database connection", "error", dbErr)
		}
	}
}
