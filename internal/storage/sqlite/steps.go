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

const stepColumns = `id, run_id, tool_or_subtask, status, created_at, updated_at`

func scanStep(row rowScanner) (model.Step, error) {
	var (
		s                model.Step
		created, updated int64
	)
	if err := row.Scan(&s.ID, &s.RunID, &s.Label, &s.Status, &created, &updated); err != nil {
		return model.Step{}, err
	}
	s.CreatedAt, s.UpdatedAt = fromMicros(created), fromMicros(updated)
	return s, nil
}

// InsertStep appends a step to a run.
func (d *DB) InsertStep(ctx context.Context, step model.Step) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		step.ID.String(), step.RunID.String(), step.Label, string(step.Status),
		micros(step.CreatedAt), micros(step.UpdatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("storage: run %s: %w", step.RunID, storage.ErrNotFound)
		}
		return fmt.Errorf("storage: create step: %w", err)
	}
	return nil
}

// GetStep retrieves a step by ID.
func (d *DB) GetStep(ctx context.Context, id uuid.UUID) (model.Step, error) {
	s, err := scanStep(d.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE id = ?`, id.String(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Step{}, fmt.Errorf("storage: step %s: %w", id, storage.ErrNotFound)
		}
		return model.Step{}, fmt.Errorf("storage: get step: %w", err)
	}
	return s, nil
}

// UpdateStepStatus sets a step's status.
func (d *DB) UpdateStepStatus(ctx context.Context, id uuid.UUID, status model.StepStatus, at time.Time) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), micros(at), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: update step status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: step %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListSteps returns a run's steps in creation order.
func (d *DB) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	steps := []model.Step{}
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
