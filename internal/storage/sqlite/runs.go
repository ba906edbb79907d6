package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/storage"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r                model.Run
		created, updated int64
	)
	if err := row.Scan(&r.ID, &r.ThreadKey, &r.State, &created, &updated); err != nil {
		return model.Run{}, err
	}
	r.CreatedAt, r.UpdatedAt = fromMicros(created), fromMicros(updated)
	return r, nil
}

// InsertRun inserts a new run.
func (d *DB) InsertRun(ctx context.Context, run model.Run) error {
	if err := insertRun(ctx, d.db, run); err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRun(ctx context.Context, ex execer, run model.Run) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO runs (id, thread_key, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID.String(), run.ThreadKey, string(run.State), micros(run.CreatedAt), micros(run.UpdatedAt),
	)
	return err
}

// GetRun retrieves a run by ID.
func (d *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	r, err := scanRun(d.db.QueryRowContext(ctx,
		`SELECT id, thread_key, state, created_at, updated_at FROM runs WHERE id = ?`, id.String(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, storage.ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// UpdateRunState moves a run from one state to the next with a
// compare-and-set on the current state.
func (d *DB) UpdateRunState(ctx context.Context, id uuid.UUID, from, next model.RunState, at time.Time) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(next), micros(at), id.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("storage: update run state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: update run state: %w", err)
	}
	if n == 0 {
		if _, err := d.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("storage: run %s not in state %s: %w", id, from, storage.ErrStateConflict)
	}
	return nil
}

// ListRunsByThread returns every run for a thread key, oldest first.
func (d *DB) ListRunsByThread(ctx context.Context, threadKey string) ([]model.Run, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, thread_key, state, created_at, updated_at
		 FROM runs WHERE thread_key = ? ORDER BY created_at ASC, id ASC`, threadKey,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
