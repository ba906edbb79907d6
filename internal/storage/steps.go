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

// InsertStep appends a step to a run. The foreign key on run_id rejects
// steps for runs that do not exist.
func (db *DB) InsertStep(ctx context.Context, step model.Step) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO steps (id, run_id, tool_or_subtask, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		step.ID, step.RunID, step.Label, string(step.Status), step.CreatedAt, step.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("storage: run %s: %w", step.RunID, ErrNotFound)
		}
		return fmt.Errorf("storage: create step: %w", err)
	}
	return nil
}

// GetStep retrieves a step by ID.
func (db *DB) GetStep(ctx context.Context, id uuid.UUID) (model.Step, error) {
	var s model.Step
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, tool_or_subtask, status, created_at, updated_at FROM steps WHERE id = $1`, id,
	).Scan(&s.ID, &s.RunID, &s.Label, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Step{}, fmt.Errorf("storage: step %s: %w", id, ErrNotFound)
		}
		return model.Step{}, fmt.Errorf("storage: get step: %w", err)
	}
	return s, nil
}

// UpdateStepStatus sets a step's status.
func (db *DB) UpdateStepStatus(ctx context.Context, id uuid.UUID, status model.StepStatus, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE steps SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), at, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update step status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: step %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSteps returns a run's steps in creation order.
func (db *DB) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, tool_or_subtask, status, created_at, updated_at
		 FROM steps WHERE run_id = $1 ORDER BY created_at ASC, id ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	steps := []model.Step{}
	for rows.Next() {
		var s model.Step
		if err := rows.Scan(&s.ID, &s.RunID, &s.Label, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
