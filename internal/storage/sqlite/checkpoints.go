package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/storage"
)

// InsertCheckpoint records a checkpoint row.
func (d *DB) InsertCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, run_id, step_id, snapshot_pointer, created_at) VALUES (?, ?, ?, ?, ?)`,
		cp.ID.String(), cp.RunID.String(), cp.StepID.String(), cp.SnapshotPointer, micros(cp.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("storage: step %s in run %s: %w", cp.StepID, cp.RunID, storage.ErrNotFound)
		}
		return fmt.Errorf("storage: create checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recently created checkpoint for a run.
func (d *DB) LatestCheckpoint(ctx context.Context, runID uuid.UUID) (model.Checkpoint, error) {
	var (
		cp      model.Checkpoint
		created int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_id, snapshot_pointer, created_at
		 FROM checkpoints WHERE run_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, runID.String(),
	).Scan(&cp.ID, &cp.RunID, &cp.StepID, &cp.SnapshotPointer, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Checkpoint{}, fmt.Errorf("storage: checkpoint for run %s: %w", runID, storage.ErrNotFound)
		}
		return model.Checkpoint{}, fmt.Errorf("storage: latest checkpoint: %w", err)
	}
	cp.CreatedAt = fromMicros(created)
	return cp, nil
}
