package tsuzuki

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunStateActive    RunState = "active"
	RunStateCompleted RunState = "completed"
	RunStateBlocked   RunState = "blocked"
	RunStateFailed    RunState = "failed"
)

// JobStatus is the lifecycle of a background job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Run is the public representation of a run.
// It has no internal imports, so it is safe to use from outside the module.
type Run struct {
	ID        uuid.UUID `json:"id"`
	ThreadKey string    `json:"thread_key"`
	State     RunState  `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Job is the public representation of a background job.
type Job struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	ChatID    string    `json:"chat_id"`
	TaskType  string    `json:"task_type"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResumeResult describes a resume that was accepted.
type ResumeResult struct {
	Run   Run       `json:"run"`
	JobID uuid.UUID `json:"job_id"`
	// CheckpointID is nil when the run never reached a checkpoint and
	// starts from scratch.
	CheckpointID  *uuid.UUID `json:"checkpoint_id,omitempty"`
	WasCompleted  bool       `json:"was_completed"`
	StagesSkipped []string   `json:"stages_skipped,omitempty"`
}
