// Package storage provides the persistence layer for Tsuzuki.
//
// The Store interface is the single shared resource behind the run ledger,
// checkpoint store, dedup tables and job table. DB implements it on
// PostgreSQL using a pgxpool for queries and an optional dedicated pgx.Conn
// for LISTEN/NOTIFY. The sqlite subpackage implements the same interface
// for single-node deployments and tests.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsuzuki/internal/telemetry"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn for
// LISTEN/NOTIFY (direct to Postgres, never through a pooler).
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

var _ Store = (*DB)(nil)

// New creates a new DB with a connection pool.
// notifyDSN may be empty, in which case run state notifications are only
// sent (pg_notify works through the pool) and never received.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}, nil
}

// Driver identifies the backend.
func (db *DB) Driver() string { return "postgres" }

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) error {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
			return err
		}
	}
	return nil
}

// RegisterPoolMetrics exposes pool saturation as observable gauges.
// Call after telemetry.Init so the global meter provider is set.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("tsuzuki/storage")

	_, _ = meter.Int64ObservableGauge("tsuzuki.db.pool.acquired",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("tsuzuki.db.pool.total",
		metric.WithDescription("Connections open in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
}
