package jobhealth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

type fakeJobs struct {
	jobs []model.Job
	err  error
}

func (f fakeJobs) ListJobsByStatus(_ context.Context, _ ...model.JobStatus) ([]model.Job, error) {
	return f.jobs, f.err
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func job(status model.JobStatus, attempts int, age time.Duration) model.Job {
	return model.Job{
		ID:        uuid.New(),
		RunID:     uuid.New(),
		Status:    status,
		Attempts:  attempts,
		UpdatedAt: now.Add(-age),
	}
}

func newService(jobs ...model.Job) *Service {
	s := New(fakeJobs{jobs: jobs}, 10*time.Minute)
	s.now = func() time.Time { return now }
	return s
}

func TestComputeNoJobs(t *testing.T) {
	m, err := newService().Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientData, m.Status)
	assert.Len(t, m.Gaps, 1)
}

func TestComputeHealthy(t *testing.T) {
	m, err := newService(
		job(model.JobStatusCompleted, 1, time.Hour),
		job(model.JobStatusCompleted, 1, time.Hour),
		job(model.JobStatusRunning, 1, time.Minute),
	).Compute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusHealthy, m.Status)
	assert.Equal(t, JobCounts{Total: 3, Running: 1, Completed: 2}, m.Jobs)
	assert.Empty(t, m.Stalled)
	assert.Empty(t, m.Gaps)
}

func TestComputeStalledJob(t *testing.T) {
	stale := job(model.JobStatusRunning, 2, time.Hour)
	m, err := newService(stale, job(model.JobStatusCompleted, 1, time.Hour)).Compute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusNeedsAttention, m.Status)
	require.Len(t, m.Stalled, 1)
	assert.Equal(t, stale.ID.String(), m.Stalled[0].JobID)
	assert.Contains(t, m.Gaps[0], "1 running jobs")
}

func TestComputeFailureRate(t *testing.T) {
	m, err := newService(
		job(model.JobStatusFailed, 3, time.Hour),
		job(model.JobStatusCompleted, 2, time.Hour),
	).Compute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusNeedsAttention, m.Status)
	assert.InDelta(t, 50.0, m.Jobs.FailedPct, 0.001)
	assert.InDelta(t, 100.0, m.Jobs.RetriedPct, 0.001)
	assert.Contains(t, m.Gaps[0], "50% of finished jobs failed")
}

func TestComputeListError(t *testing.T) {
	s := New(fakeJobs{err: errors.New("boom")}, 0)
	_, err := s.Compute(context.Background())
	require.Error(t, err)
	assert.Equal(t, DefaultStaleAfter, s.staleAfter)
}

func TestComputeGapsMaxThree(t *testing.T) {
	gaps := computeGaps(JobCounts{Queued: 4, FailedPct: 80, RetriedPct: 90}, 2)
	assert.Len(t, gaps, 3)
}

func TestComputeStatus(t *testing.T) {
	assert.Equal(t, StatusHealthy, computeStatus(JobCounts{FailedPct: 10}, 0))
	assert.Equal(t, StatusNeedsAttention, computeStatus(JobCounts{}, 1))
	assert.Equal(t, StatusNeedsAttention, computeStatus(JobCounts{FailedPct: 30}, 0))
}
