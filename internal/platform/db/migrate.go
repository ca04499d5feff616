package db

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationURL rewrites a postgres:// DSN to the pgx5:// scheme golang-migrate expects.
func MigrationURL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

func newMigrator(dsn string, files fs.FS) (*migrate.Migrate, error) {
	src, err := iofs.New(files, ".")
	if err != nil {
		return nil, fmt.Errorf("platform/db: migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, MigrationURL(dsn))
	if err != nil {
		return nil, fmt.Errorf("platform/db: migrator: %w", err)
	}
	return m, nil
}

// MigrateUp applies every pending migration from files.
func MigrateUp(dsn string, files fs.FS, logger *slog.Logger) error {
	m, err := newMigrator(dsn, files)
	if err != nil {
		return err
	}
	defer closeMigrator(m, logger)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("platform/db: migrate up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("platform/db: migrate version: %w", err)
	}
	if logger != nil {
		logger.Info("migrations applied", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}
	return nil
}

// MigrateDown rolls back steps migrations.
func MigrateDown(dsn string, files fs.FS, steps int, logger *slog.Logger) error {
	if steps <= 0 {
		return errors.New("platform/db: steps must be positive")
	}
	m, err := newMigrator(dsn, files)
	if err != nil {
		return err
	}
	defer closeMigrator(m, logger)
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("platform/db: migrate down: %w", err)
	}
	return nil
}

func closeMigrator(m *migrate.Migrate, logger *slog.Logger) {
	srcErr, dbErr := m.Close()
	if logger == nil {
		return
	}
	if err := errors.Join(srcErr, dbErr); err != nil {
		logger.Warn("close migrator", slog.Any("error", err))
	}
}
