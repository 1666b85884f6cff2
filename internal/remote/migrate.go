package remote

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/atlas/internal/remote/migrations"
)

// MigrateResult describes the remote schema after migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate brings the remote schema, including change triggers, up to date.
func (c *PGClient) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("remote migration source: %w", err)
	}

	driver, err := postgres.WithInstance(c.db, &postgres.Config{MigrationsTable: "atlas_schema_migrations"})
	if err != nil {
		return nil, fmt.Errorf("remote migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("remote migration instance: %w", err)
	}

	changed := true
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("remote migration up: %w", err)
		}
		changed = false
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("remote migration version: %w", err)
	}
	return &MigrateResult{Version: version, Dirty: dirty, Changed: changed}, nil
}
