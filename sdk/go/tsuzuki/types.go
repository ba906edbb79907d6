package tsuzuki

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run is one end-to-end execution of an inbound request.
type Run struct {
	ID        uuid.UUID `json:"id"`
	ThreadKey string    `json:"thread_key"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one tracked unit of work within a run.
type Step struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Label     string    `json:"label"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpoint points at a stored snapshot of a run's working state.
type Checkpoint struct {
	ID              uuid.UUID `json:"id"`
	RunID           uuid.UUID `json:"run_id"`
	StepID          uuid.UUID `json:"step_id"`
	SnapshotPointer string    `json:"snapshot_pointer"`
	CreatedAt       time.Time `json:"created_at"`
}

// RunDetail is a run with its steps and latest checkpoint.
type RunDetail struct {
	Run        Run         `json:"run"`
	Steps      []Step      `json:"steps"`
	Checkpoint *Checkpoint `json:"latest_checkpoint,omitempty"`
}

// ResumeResponse describes an accepted resume. JobID comes from the
// Location header of the 202 response.
type ResumeResponse struct {
	Run           Run         `json:"run"`
	Checkpoint    *Checkpoint `json:"checkpoint,omitempty"`
	WasCompleted  bool        `json:"was_completed"`
	StagesSkipped []string    `json:"stages_skipped,omitempty"`
	JobID         uuid.UUID   `json:"-"`
}

// ArtifactHeader is the metadata block of an artifact.
type ArtifactHeader struct {
	RunID        uuid.UUID `json:"run_id"`
	ArtifactType string    `json:"artifact_type"`
	AuthorRole   string    `json:"author_role"`
	Version      int       `json:"version"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	DependsOn    []string  `json:"depends_on,omitempty"`
	Notes        []string  `json:"notes,omitempty"`
}

// IndexEntry is one row of a run's artifact index.
type IndexEntry struct {
	ArtifactType string         `json:"artifact_type"`
	JSONPath     string         `json:"json_path"`
	MDPath       string         `json:"md_path"`
	Header       ArtifactHeader `json:"header"`
	SHA256       string         `json:"sha256"`
}

// Artifact is one artifact with its body and Markdown rendering.
type Artifact struct {
	Header   ArtifactHeader  `json:"header"`
	Body     json.RawMessage `json:"body"`
	Markdown string          `json:"markdown"`
	SHA256   string          `json:"sha256"`
}

// ArtifactCheck is the verification result for one artifact.
type ArtifactCheck struct {
	ArtifactType string `json:"artifact_type"`
	Expected     string `json:"expected_sha256"`
	Actual       string `json:"actual_sha256,omitempty"`
	Missing      bool   `json:"missing,omitempty"`
	OK           bool   `json:"ok"`
}

// Verification reports whether a run's artifacts match their index.
type Verification struct {
	RunID        uuid.UUID       `json:"run_id"`
	Root         string          `json:"root"`
	ComputedRoot string          `json:"computed_root"`
	Valid        bool            `json:"valid"`
	Artifacts    []ArtifactCheck `json:"artifacts"`
}

// Job is a background job.
type Job struct {
	ID               uuid.UUID       `json:"id"`
	RunID            uuid.UUID       `json:"run_id"`
	ChatID           string          `json:"chat_id"`
	InitialMessageID string          `json:"initial_message_id"`
	TaskType         string          `json:"task_type"`
	AgentRole        string          `json:"agent_role"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           string          `json:"status"`
	Attempts         int             `json:"attempts"`
	LastError        *string         `json:"last_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// JobHealth is the aggregate job health report.
type JobHealth struct {
	Status string `json:"status"`
	Jobs   struct {
		Total      int     `json:"total"`
		Queued     int     `json:"queued"`
		Running    int     `json:"running"`
		Completed  int     `json:"completed"`
		Failed     int     `json:"failed"`
		FailedPct  float64 `json:"failed_pct"`
		RetriedPct float64 `json:"retried_pct"`
	} `json:"jobs"`
	Stalled []struct {
		JobID     uuid.UUID `json:"job_id"`
		RunID     uuid.UUID `json:"run_id"`
		Attempts  int       `json:"attempts"`
		UpdatedAt time.Time `json:"updated_at"`
	} `json:"stalled"`
	Gaps []string `json:"gaps"`
}

// HealthResponse is the unauthenticated liveness report.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Store        string `json:"store"`
	Database     string `json:"database"`
	JobsInFlight int    `json:"jobs_in_flight"`
	Uptime       int64  `json:"uptime_seconds"`
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// PromotedDecision is the result of PromoteDecision.
type PromotedDecision struct {
	RunID uuid.UUID `json:"run_id"`
	Path  string    `json:"path"`
}
