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

const jobColumns = `id, run_id, chat_id, initial_message_id, task_type, agent_role, payload,
	status, attempts, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.RunID, &j.ChatID, &j.InitialMessageID, &j.TaskType, &j.AgentRole,
		&j.Payload, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// InsertJob persists a new background job.
func (db *DB) InsertJob(ctx context.Context, job model.Job) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.RunID, job.ChatID, job.InitialMessageID, job.TaskType, string(job.AgentRole),
		job.Payload, string(job.Status), job.Attempts, job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("storage: run %s: %w", job.RunID, ErrNotFound)
		}
		return fmt.Errorf("storage: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	j, err := scanJob(db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, fmt.Errorf("storage: job %s: %w", id, ErrNotFound)
		}
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	return j, nil
}

// ClaimJob marks a non-terminal job running and bumps its attempt count.
func (db *DB) ClaimJob(ctx context.Context, id uuid.UUID, at time.Time) (model.Job, bool, error) {
	j, err := scanJob(db.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = $2
		 WHERE id = $1 AND status IN ('queued', 'running')
		 RETURNING `+jobColumns, id, at,
	))
	if err == nil {
		return j, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Job{}, false, fmt.Errorf("storage: claim job: %w", err)
	}
	j, err = db.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, false, err
	}
	return j, false, nil
}

// FinishJob records a job's terminal status.
func (db *DB) FinishJob(ctx context.Context, id uuid.UUID, status model.JobStatus, lastErr *string, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
		string(status), lastErr, at, id,
	)
	if err != nil {
		return fmt.Errorf("storage: finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListJobsByStatus returns jobs in any of the given statuses, oldest first.
func (db *DB) ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]model.Job, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ANY($1) ORDER BY created_at ASC, id ASC`, names,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListJobsByRun returns every job of a run, oldest first.
func (db *DB) ListJobsByRun(ctx context.Context, runID uuid.UUID) ([]model.Job, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY created_at ASC, id ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list run jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]model.Job, error) {
	defer rows.Close()
	jobs := []model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
