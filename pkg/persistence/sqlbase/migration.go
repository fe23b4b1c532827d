// Package sqlbase holds the schema migration runner shared by SQL backends.
package sqlbase

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

var ErrInvalidMigration = errors.New("invalid migration")

// Migration is one schema change. Each runs in its own transaction together
// with its bookkeeping row.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrator applies pending migrations in version order.
type Migrator struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrator sorts the migrations by version. Versions must be positive and
// unique.
func NewMigrator(logger *slog.Logger, db *sql.DB, migrations []Migration) (*Migrator, error) {
	sorted := slices.SortedFunc(slices.Values(migrations), func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})

	for i, m := range sorted {
		if m.Version <= 0 {
			return nil, fmt.Errorf("%w: version %d is not positive", ErrInvalidMigration, m.Version)
		}

		if i > 0 && sorted[i-1].Version == m.Version {
			return nil, fmt.Errorf("%w: version %d is declared twice", ErrInvalidMigration, m.Version)
		}
	}

	return &Migrator{db: db, logger: logger, migrations: sorted}, nil
}

// Latest returns the highest known version, zero without migrations.
func (m *Migrator) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}

	return m.migrations[len(m.migrations)-1].Version
}

// Migrate brings the schema to the latest version.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.createVersionsTable(ctx); err != nil {
		return err
	}

	current, err := m.Version(ctx)
	if err != nil {
		return err
	}

	latest := m.Latest()
	if current >= latest {
		m.logger.DebugContext(ctx, "Database schema is up to date", "version", current)

		return nil
	}

	m.logger.InfoContext(ctx, "Migrating database schema", "from", current, "to", latest)

	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}

		if err := m.apply(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}

// Version returns the applied schema version.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	var version int

	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}

	return version, nil
}

func (m *Migrator) createVersionsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	return nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", migration.Version, err)
	}

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to execute migration %d (%s): %w", migration.Version, migration.Description, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
		migration.Version, migration.Description,
	)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
	}

	m.logger.InfoContext(ctx, "Applied migration", "version", migration.Version, "description", migration.Description)

	return nil
}
