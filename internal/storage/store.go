package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

// Store is the persistence contract shared by the PostgreSQL and SQLite
// backends. Every mutation is a single autocommit statement except
// AcceptInbound and ClaimJob, which need a transaction.
type Store interface {
	// Runs.
	InsertRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	// UpdateRunState sets state to next only if it currently equals from.
	// Returns ErrNotFound for unknown runs and ErrStateConflict on mismatch.
	UpdateRunState(ctx context.Context, id uuid.UUID, from, next model.RunState, at time.Time) error
	ListRunsByThread(ctx context.Context, threadKey string) ([]model.Run, error)

	// Steps.
	InsertStep(ctx context.Context, step model.Step) error
	GetStep(ctx context.Context, id uuid.UUID) (model.Step, error)
	UpdateStepStatus(ctx context.Context, id uuid.UUID, status model.StepStatus, at time.Time) error
	ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error)

	// Checkpoints.
	InsertCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LatestCheckpoint(ctx context.Context, runID uuid.UUID) (model.Checkpoint, error)

	// Inbound dedup. AcceptInbound inserts run and event atomically and
	// reports false (inserting nothing) when (chat_id, message_id) exists.
	AcceptInbound(ctx context.Context, ev model.InboundEvent, run model.Run) (bool, error)
	GetInbound(ctx context.Context, chatID, messageID string) (model.InboundEvent, error)
	UpdateInboundStatus(ctx context.Context, id uuid.UUID, status model.InboundStatus) error

	// Outbound dedup. InsertOutbound reports false when (run_id,
	// payload_sha256) already exists.
	InsertOutbound(ctx context.Context, msg model.OutboundMessage) (bool, error)
	UpdateOutboundStatus(ctx context.Context, id uuid.UUID, status model.OutboundStatus, sendID *string) error
	ListOutbound(ctx context.Context, runID uuid.UUID) ([]model.OutboundMessage, error)

	// Jobs.
	InsertJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
	// ClaimJob moves a queued or running job to running and increments its
	// attempt counter. Reports false if the job is already terminal.
	ClaimJob(ctx context.Context, id uuid.UUID, at time.Time) (model.Job, bool, error)
	FinishJob(ctx context.Context, id uuid.UUID, status model.JobStatus, lastErr *string, at time.Time) error
	ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]model.Job, error)
	// ListJobsByRun returns every job of a run, oldest first.
	ListJobsByRun(ctx context.Context, runID uuid.UUID) ([]model.Job, error)

	Driver() string
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
