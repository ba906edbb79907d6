package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle of a background job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobRequest is what callers hand to the scheduler.
type JobRequest struct {
	RunID            uuid.UUID       `json:"run_id"`
	ChatID           string          `json:"chat_id"`
	InitialMessageID string          `json:"initial_message_id"`
	TaskType         string          `json:"task_type"`
	AgentRole        Role            `json:"agent_role"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// Job is a persisted background job. Persisting jobs lets a restarted
// process re-dispatch work that was queued or running at crash time.
type Job struct {
	ID               uuid.UUID       `json:"id"`
	RunID            uuid.UUID       `json:"run_id"`
	ChatID           string          `json:"chat_id"`
	InitialMessageID string          `json:"initial_message_id"`
	TaskType         string          `json:"task_type"`
	AgentRole        Role            `json:"agent_role"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           JobStatus       `json:"status"`
	Attempts         int             `json:"attempts"`
	LastError        *string         `json:"last_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
