// Package model defines the core domain types for Tsuzuki.
//
// Types map directly onto the persisted tables (runs, steps, checkpoints,
// inbound_events, outbound_messages, jobs) and onto the artifact file
// format. They use strong typing (UUIDs, time.Time, string enums) and
// avoid interface{} wherever possible.
package model

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

// Valid reports whether s is a known run state.
func (s RunState) Valid() bool {
	switch s {
	case RunStateActive, RunStateCompleted, RunStateBlocked, RunStateFailed:
		return true
	}
	return false
}

// Terminal reports whether the state ends forward progress until a resume.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// Run is one end-to-end execution of an inbound request.
// Runs are never deleted.
type Run struct {
	ID        uuid.UUID `json:"id"`
	ThreadKey string    `json:"thread_key"`
	State     RunState  `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepStatus is the status of a single step within a run.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSuccess, StepStatusError:
		return true
	}
	return false
}

// Step is one tracked unit of delegated work within a run.
// Stored in the steps table; Label maps to the tool_or_subtask column.
type Step struct {
	ID        uuid.UUID  `json:"id"`
	RunID     uuid.UUID  `json:"run_id"`
	Label     string     `json:"label"`
	Status    StepStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Checkpoint points at a serialized snapshot of a run's working state.
// Immutable once written.
type Checkpoint struct {
	ID              uuid.UUID `json:"id"`
	RunID           uuid.UUID `json:"run_id"`
	StepID          uuid.UUID `json:"step_id"`
	SnapshotPointer string    `json:"snapshot_pointer"`
	CreatedAt       time.Time `json:"created_at"`
}
