package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/ashita-ai/tsuzuki/internal/integrity"
)

// ErrMigrationDrift means a migration file changed after it was applied.
var ErrMigrationDrift = errors.New("storage: applied migration was modified")

type migration struct {
	name     string
	sql      string
	checksum string
}

// pendingMigrations returns the .sql files of fsys not yet in applied, in
// name order. applied maps file name to the checksum recorded when it ran.
func pendingMigrations(fsys fs.FS, applied map[string]string) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("storage: list migrations: %w", err)
	}
	sort.Strings(names)

	var out []migration
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sum := integrity.SHA256Hex(content)
		if prev, ok := applied[path.Base(name)]; ok {
			if prev != "" && prev != sum {
				return nil, fmt.Errorf("%w: %s", ErrMigrationDrift, name)
			}
			continue
		}
		out = append(out, migration{name: name, sql: string(content), checksum: sum})
	}
	return out, nil
}

// RunMigrations applies the pending migrations of migrationsFS. Each file
// runs in one transaction with its schema_migrations row, so a failure
// leaves no partial schema.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	pending, err := pendingMigrations(migrationsFS, applied)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		db.logger.Debug("schema up to date", "applied", len(applied))
		return nil
	}

	for _, m := range pending {
		db.logger.Info("applying migration", "file", m.name, "checksum", m.checksum[:12])
		if err := db.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, m migration) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin migration %s: %w", m.name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return fmt.Errorf("storage: execute migration %s: %w", m.name, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		m.name, m.checksum,
	); err != nil {
		return fmt.Errorf("storage: record migration %s: %w", m.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit migration %s: %w", m.name, err)
	}
	return nil
}

func (db *DB) appliedMigrations(ctx context.Context) (map[string]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		applied[version] = sum
	}
	return applied, rows.Err()
}
