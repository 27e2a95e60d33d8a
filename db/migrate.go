package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// migrationDirs are tried in order so the binary works from the repo root
// and from inside db/ (tests).
var migrationDirs = []string{"db/migrations", "migrations", "../db/migrations"}

// MigrationsPath returns the file:// URL of the versioned migrations.
func MigrationsPath() (string, error) {
	for _, p := range migrationDirs {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			abs, err := filepath.Abs(p)
			if err != nil {
				return "", fmt.Errorf("failed to get absolute path for %s: %w", p, err)
			}
			return "file://" + abs, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found in any of %v", migrationDirs)
}

func newMigrator(db *sql.DB, path string) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies pending versioned migrations from db/migrations.
// Running it again with nothing pending is not an error.
func RunMigrations(db *sql.DB) error {
	path, err := MigrationsPath()
	if err != nil {
		return err
	}
	return RunMigrationsFromPath(db, path)
}

// RunMigrationsFromPath applies pending migrations from a custom path.
func RunMigrationsFromPath(db *sql.DB, path string) error {
	log := slog.Default().With(slog.String("component", "db_migrate"))
	m, err := newMigrator(db, path)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("database schema is up to date")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		log.Warn("could not determine migration version", slog.Any("error", err))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}
	log.Info("migrations applied successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// MigrateDown rolls back the most recent migration. Development use only.
func MigrateDown(db *sql.DB) error {
	path, err := MigrationsPath()
	if err != nil {
		return err
	}
	m, err := newMigrator(db, path)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// GetMigrationVersion returns the current migration version and dirty state.
func GetMigrationVersion(db *sql.DB) (version uint, dirty bool, err error) {
	path, err := MigrationsPath()
	if err != nil {
		return 0, false, err
	}
	m, err := newMigrator(db, path)
	if err != nil {
		return 0, false, err
	}
	v, d, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, d, nil
}
