package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/storage"
)

const jobColumns = `id, run_id, chat_id, initial_message_id, task_type, agent_role, payload,
	status, attempts, last_error, created_at, updated_at`

func scanJob(row rowScanner) (model.Job, error) {
	var (
		j                model.Job
		payload, lastErr sql.NullString
		created, updated int64
	)
	if err := row.Scan(&j.ID, &j.RunID, &j.ChatID, &j.InitialMessageID, &j.TaskType, &j.AgentRole,
		&payload, &j.Status, &j.Attempts, &lastErr, &created, &updated); err != nil {
		return model.Job{}, err
	}
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if lastErr.Valid {
		j.LastError = &lastErr.String
	}
	j.CreatedAt, j.UpdatedAt = fromMicros(created), fromMicros(updated)
	return j, nil
}

// InsertJob persists a new background job.
func (d *DB) InsertJob(ctx context.Context, job model.Job) error {
	var payload sql.NullString
	if len(job.Payload) > 0 {
		payload = sql.NullString{String: string(job.Payload), Valid: true}
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.RunID.String(), job.ChatID, job.InitialMessageID, job.TaskType,
		string(job.AgentRole), payload, string(job.Status), job.Attempts, job.LastError,
		micros(job.CreatedAt), micros(job.UpdatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("storage: run %s: %w", job.RunID, storage.ErrNotFound)
		}
		return fmt.Errorf("storage: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (d *DB) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	j, err := scanJob(d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, fmt.Errorf("storage: job %s: %w", id, storage.ErrNotFound)
		}
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	return j, nil
}

// ClaimJob marks a non-terminal job running and bumps its attempt count.
func (d *DB) ClaimJob(ctx context.Context, id uuid.UUID, at time.Time) (model.Job, bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status IN ('queued', 'running')`, micros(at), id.String(),
	)
	if err != nil {
		return model.Job{}, false, fmt.Errorf("storage: claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Job{}, false, fmt.Errorf("storage: claim job: %w", err)
	}
	j, err := d.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, false, err
	}
	return j, n == 1, nil
}

// FinishJob records a job's terminal status.
func (d *DB) FinishJob(ctx context.Context, id uuid.UUID, status model.JobStatus, lastErr *string, at time.Time) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastErr, micros(at), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: job %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListJobsByStatus returns jobs in any of the given statuses, oldest first.
func (d *DB) ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]model.Job, error) {
	if len(statuses) == 0 {
		return []model.Job{}, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY created_at ASC, id ASC`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListJobsByRun returns every job of a run, oldest first.
func (d *DB) ListJobsByRun(ctx context.Context, runID uuid.UUID) ([]model.Job, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list run jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]model.Job, error) {
	defer func() { _ = rows.Close() }()
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
