// Package jobhealth computes aggregate health metrics for background jobs.
// It answers the question "is work getting done?" by measuring failure
// rates, backlog and jobs that stopped making progress.
package jobhealth

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

// Status values reported by Compute.
const (
	StatusHealthy          = "healthy"
	StatusNeedsAttention   = "needs_attention"
	StatusInsufficientData = "insufficient_data"
)

// DefaultStaleAfter is how long a running job may go without an update
// before it counts as stalled.
const DefaultStaleAfter = 15 * time.Minute

// Metrics is the top-level job health response.
type Metrics struct {
	Status  string       `json:"status"`
	Jobs    JobCounts    `json:"jobs"`
	Stalled []StalledJob `json:"stalled"`
	Gaps    []string     `json:"gaps"`
}

// JobCounts tracks jobs per status.
type JobCounts struct {
	Total      int     `json:"total"`
	Queued     int     `json:"queued"`
	Running    int     `json:"running"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	FailedPct  float64 `json:"failed_pct"`
	RetriedPct float64 `json:"retried_pct"` // finished jobs that needed more than one attempt
}

// StalledJob is a running job whose last update is older than the stale
// threshold.
type StalledJob struct {
	JobID     string    `json:"job_id"`
	RunID     string    `json:"run_id"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobLister is the storage subset the service reads.
type JobLister interface {
	ListJobsByStatus(ctx context.Context, statuses ...model.JobStatus) ([]model.Job, error)
}

// Service computes job health metrics.
type Service struct {
	jobs       JobLister
	staleAfter time.Duration
	now        func() time.Time
}

// New creates a job health service. staleAfter <= 0 uses DefaultStaleAfter.
func New(jobs JobLister, staleAfter time.Duration) *Service {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Service{jobs: jobs, staleAfter: staleAfter, now: time.Now}
}

// Compute calculates all job health metrics.
func (s *Service) Compute(ctx context.Context) (*Metrics, error) {
	jobs, err := s.jobs.ListJobsByStatus(ctx,
		model.JobStatusQueued, model.JobStatusRunning, model.JobStatusCompleted, model.JobStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("jobhealth: list jobs: %w", err)
	}

	if len(jobs) == 0 {
		return &Metrics{
			Status:  StatusInsufficientData,
			Stalled: []StalledJob{},
			Gaps:    []string{"No jobs recorded yet. Send a long request to start one."},
		}, nil
	}

	m := &Metrics{Stalled: []StalledJob{}}
	cutoff := s.now().Add(-s.staleAfter)
	retried := 0
	for _, j := range jobs {
		m.Jobs.Total++
		switch j.Status {
		case model.JobStatusQueued:
			m.Jobs.Queued++
		case model.JobStatusRunning:
			m.Jobs.Running++
			if j.UpdatedAt.Before(cutoff) {
				m.Stalled = append(m.Stalled, StalledJob{
					JobID:     j.ID.String(),
					RunID:     j.RunID.String(),
					Attempts:  j.Attempts,
					UpdatedAt: j.UpdatedAt,
				})
			}
		case model.JobStatusCompleted:
			m.Jobs.Completed++
		case model.JobStatusFailed:
			m.Jobs.Failed++
		}
		if (j.Status == model.JobStatusCompleted || j.Status == model.JobStatusFailed) && j.Attempts > 1 {
			retried++
		}
	}

	if finished := m.Jobs.Completed + m.Jobs.Failed; finished > 0 {
		m.Jobs.FailedPct = float64(m.Jobs.Failed) / float64(finished) * 100
		m.Jobs.RetriedPct = float64(retried) / float64(finished) * 100
	}

	m.Gaps = computeGaps(m.Jobs, len(m.Stalled))
	m.Status = computeStatus(m.Jobs, len(m.Stalled))
	return m, nil
}

// computeGaps identifies the most important problems. Returns at most 3,
// ordered by severity.
func computeGaps(c JobCounts, stalled int) []string {
	gaps := []string{}

	if stalled > 0 {
		gaps = append(gaps, fmt.Sprintf(
			"%d running jobs have not been updated recently. Restart the server to recover them.", stalled))
	}

	if c.FailedPct >= 25 {
		gaps = append(gaps, fmt.Sprintf(
			"%.0f%% of finished jobs failed. Resume failed runs once the cause is fixed.", c.FailedPct))
	}

	if c.Queued > 0 && c.Running == 0 {
		gaps = append(gaps, fmt.Sprintf("%d jobs are queued but none are running.", c.Queued))
	}

	if len(gaps) < 3 && c.RetriedPct >= 50 {
		gaps = append(gaps, fmt.Sprintf(
			"%.0f%% of finished jobs needed more than one attempt.", c.RetriedPct))
	}

	if len(gaps) > 3 {
		gaps = gaps[:3]
	}
	return gaps
}

// computeStatus determines the overall health status. A single stalled job
// or a high failure rate is enough.
func computeStatus(c JobCounts, stalled int) string {
	if stalled > 0 || c.FailedPct >= 25 {
		return StatusNeedsAttention
	}
	return StatusHealthy
}
