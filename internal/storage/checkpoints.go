package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

// InsertCheckpoint records a checkpoint row. The step must exist and belong
// to the same run; both are enforced by a composite foreign key.
func (db *DB) InsertCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO checkpoints (id, run_id, step_id, snapshot_pointer, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		cp.ID, cp.RunID, cp.StepID, cp.SnapshotPointer, cp.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("storage: step %s in run %s: %w", cp.StepID, cp.RunID, ErrNotFound)
		}
		return fmt.Errorf("storage: create checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recently created checkpoint for a run.
func (db *DB) LatestCheckpoint(ctx context.Context, runID uuid.UUID) (model.Checkpoint, error) {
	var cp model.Checkpoint
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, step_id, snapshot_pointer, created_at
		 FROM checkpoints WHERE run_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, runID,
	).Scan(&cp.ID, &cp.RunID, &cp.StepID, &cp.SnapshotPointer, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Checkpoint{}, fmt.Errorf("storage: checkpoint for run %s: %w", runID, ErrNotFound)
		}
		return model.Checkpoint{}, fmt.Errorf("storage: latest checkpoint: %w", err)
	}
	return cp, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
