package internal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

// Main database schema: tenants, subscription plans, subscriptions and
// tenant admins. Tenant databases get provision/schema instead.
//
//go:embed migrations/*.sql
var migrations embed.FS

func migrationProvider(db *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(goose.DialectPostgres, db, fsys)
}

// RunMigrations applies every pending main database migration.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	provider, err := migrationProvider(db)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("migration applied",
			"version", r.Source.Version,
			"file", r.Source.Path,
			"duration", r.Duration,
		)
	}
	return nil
}

// MigrationVersion returns the schema version of the main database.
func MigrationVersion(ctx context.Context, db *sql.DB) (int64, error) {
	provider, err := migrationProvider(db)
	if err != nil {
		return 0, fmt.Errorf("load migrations: %w", err)
	}
	return provider.GetDBVersion(ctx)
}
