// Package sqlite implements storage.Store on an embedded SQLite database
// (modernc.org/sqlite, no cgo). It backs single-node deployments and the
// service-level tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlitedrv "modernc.org/sqlite"

	"github.com/ashita-ai/tsuzuki/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// SQLite constraint result codes (extended).
const (
	constraintForeignKey = 787
)

// DB is a storage.Store backed by a single SQLite file.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*DB)(nil)

// Open creates or opens the database at path and applies the schema.
//
// SQLite allows one writer at a time, so the pool is pinned to a single
// connection. WAL mode, a busy timeout and foreign keys are set through the
// DSN so they apply to every connection the driver opens.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create sqlite dir: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(ON)")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply sqlite schema: %w", err)
	}

	return &DB{db: db, logger: logger}, nil
}

// Driver identifies the backend.
func (d *DB) Driver() string { return "sqlite" }

// Ping checks the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (d *DB) Close(_ context.Context) error {
	return d.db.Close()
}

// micros converts a timestamp to its stored form.
func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

// fromMicros converts a stored timestamp back to UTC time.
func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

// isForeignKeyViolation matches both the extended result code and the
// message, since the primary code alone does not say which constraint failed.
func isForeignKeyViolation(err error) bool {
	var se *sqlitedrv.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == constraintForeignKey || strings.Contains(se.Error(), "FOREIGN KEY constraint failed")
}
