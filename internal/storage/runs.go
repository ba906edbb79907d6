package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

// InsertRun inserts a new run.
func (db *DB) InsertRun(ctx context.Context, run model.Run) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, thread_key, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.ThreadKey, string(run.State), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var run model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, thread_key, state, created_at, updated_at FROM runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.ThreadKey, &run.State, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// UpdateRunState moves a run from one state to the next with a
// compare-and-set on the current state.
func (db *DB) UpdateRunState(ctx context.Context, id uuid.UUID, from, next model.RunState, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
		string(next), at, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("storage: update run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("storage: run %s not in state %s: %w", id, from, ErrStateConflict)
	}
	db.notifyRunEvent(ctx, RunEvent{RunID: id, From: from, To: next, At: at})
	return nil
}

// ListRunsByThread returns every run for a thread key, oldest first.
func (db *DB) ListRunsByThread(ctx context.Context, threadKey string) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, thread_key, state, created_at, updated_at
		 FROM runs WHERE thread_key = $1 ORDER BY created_at ASC, id ASC`, threadKey,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.ThreadKey, &r.State, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
