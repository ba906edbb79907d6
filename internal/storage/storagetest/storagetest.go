// Package storagetest is a conformance suite run against every
// storage.Store implementation.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/storage"
)

// Run executes the suite against the store returned by open. open is called
// once per subtest and must return an isolated, migrated store.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, open(t)) })
	t.Run("StepsOrdered", func(t *testing.T) { testStepsOrdered(t, open(t)) })
	t.Run("StepRequiresRun", func(t *testing.T) { testStepRequiresRun(t, open(t)) })
	t.Run("LatestCheckpoint", func(t *testing.T) { testLatestCheckpoint(t, open(t)) })
	t.Run("CheckpointRequiresStep", func(t *testing.T) { testCheckpointRequiresStep(t, open(t)) })
	t.Run("AcceptInboundDedup", func(t *testing.T) { testAcceptInboundDedup(t, open(t)) })
	t.Run("AcceptInboundConcurrent", func(t *testing.T) { testAcceptInboundConcurrent(t, open(t)) })
	t.Run("OutboundDedup", func(t *testing.T) { testOutboundDedup(t, open(t)) })
	t.Run("Jobs", func(t *testing.T) { testJobs(t, open(t)) })
	t.Run("JobsByRun", func(t *testing.T) { testJobsByRun(t, open(t)) })
}

func newRun(threadKey string) model.Run {
	now := storage.Now()
	return model.Run{
		ID:        uuid.Must(uuid.NewV7()),
		ThreadKey: threadKey,
		State:     model.RunStateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newStep(runID uuid.UUID, label string) model.Step {
	now := storage.Now()
	return model.Step{
		ID:        uuid.Must(uuid.NewV7()),
		RunID:     runID,
		Label:     label,
		Status:    model.StepStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testRunLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun("chat-1")
	require.NoError(t, s.InsertRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "chat-1", got.ThreadKey)
	assert.Equal(t, model.RunStateActive, got.State)
	assert.True(t, run.CreatedAt.Equal(got.CreatedAt))

	later := storage.Now().Add(time.Second)
	require.NoError(t, s.UpdateRunState(ctx, run.ID, model.RunStateActive, model.RunStateCompleted, later))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCompleted, got.State)
	assert.True(t, later.Equal(got.UpdatedAt))

	err = s.UpdateRunState(ctx, run.ID, model.RunStateActive, model.RunStateFailed, later)
	assert.ErrorIs(t, err, storage.ErrStateConflict)

	_, err = s.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	err = s.UpdateRunState(ctx, uuid.New(), model.RunStateActive, model.RunStateFailed, later)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	runs, err := s.ListRunsByThread(ctx, "chat-1")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func testStepsOrdered(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun("chat-steps")
	require.NoError(t, s.InsertRun(ctx, run))

	var ids []uuid.UUID
	for i := range 5 {
		st := newStep(run.ID, fmt.Sprintf("stage-%d", i))
		require.NoError(t, s.InsertStep(ctx, st))
		ids = append(ids, st.ID)
	}

	require.NoError(t, s.UpdateStepStatus(ctx, ids[2], model.StepStatusSuccess, storage.Now()))
	assert.ErrorIs(t, s.UpdateStepStatus(ctx, uuid.New(), model.StepStatusError, storage.Now()), storage.ErrNotFound)

	steps, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 5)
	for i, st := range steps {
		assert.Equal(t, ids[i], st.ID, "step %d out of order", i)
		assert.Equal(t, fmt.Sprintf("stage-%d", i), st.Label)
	}
	assert.Equal(t, model.StepStatusSuccess, steps[2].Status)
	assert.Equal(t, model.StepStatusPending, steps[0].Status)

	got, err := s.GetStep(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusSuccess, got.Status)
}

func testStepRequiresRun(t *testing.T, s storage.Store) {
	err := s.InsertStep(context.Background(), newStep(uuid.New(), "orphan"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testLatestCheckpoint(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun("chat-cp")
	require.NoError(t, s.InsertRun(ctx, run))

	_, err := s.LatestCheckpoint(ctx, run.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	step := newStep(run.ID, "pm")
	require.NoError(t, s.InsertStep(ctx, step))

	base := storage.Now()
	var last model.Checkpoint
	for i := range 3 {
		last = model.Checkpoint{
			ID:              uuid.Must(uuid.NewV7()),
			RunID:           run.ID,
			StepID:          step.ID,
			SnapshotPointer: fmt.Sprintf("runs/%s/snapshots/%d.json", run.ID, i),
			CreatedAt:       base.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, s.InsertCheckpoint(ctx, last))
	}

	got, err := s.LatestCheckpoint(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, last.ID, got.ID)
	assert.Equal(t, last.SnapshotPointer, got.SnapshotPointer)
	assert.Equal(t, step.ID, got.StepID)
}

func testCheckpointRequiresStep(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun("chat-cp-orphan")
	require.NoError(t, s.InsertRun(ctx, run))

	err := s.InsertCheckpoint(ctx, model.Checkpoint{
		ID:              uuid.New(),
		RunID:           run.ID,
		StepID:          uuid.New(),
		SnapshotPointer: "runs/x/snapshots/y.json",
		CreatedAt:       storage.Now(),
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A step from another run must not satisfy the reference either.
	other := newRun("chat-cp-other")
	require.NoError(t, s.InsertRun(ctx, other))
	foreign := newStep(other.ID, "pm")
	require.NoError(t, s.InsertStep(ctx, foreign))
	err = s.InsertCheckpoint(ctx, model.Checkpoint{
		ID:              uuid.New(),
		RunID:           run.ID,
		StepID:          foreign.ID,
		SnapshotPointer: "runs/x/snapshots/z.json",
		CreatedAt:       storage.Now(),
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func inboundFor(chatID, messageID string) model.InboundEvent {
	return model.InboundEvent{
		ID:        uuid.Must(uuid.NewV7()),
		MessageID: messageID,
		ChatID:    chatID,
		Status:    model.InboundStatusPending,
		Timestamp: storage.Now(),
	}
}

func testAcceptInboundDedup(t *testing.T, s storage.Store) {
	ctx := context.Background()

	run1 := newRun("chat-in")
	ok, err := s.AcceptInbound(ctx, inboundFor("chat-in", "m1"), run1)
	require.NoError(t, err)
	assert.True(t, ok)

	run2 := newRun("chat-in")
	ok, err = s.AcceptInbound(ctx, inboundFor("chat-in", "m1"), run2)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetRun(ctx, run2.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "losing delivery must not leave a run behind")

	ev, err := s.GetInbound(ctx, "chat-in", "m1")
	require.NoError(t, err)
	require.NotNil(t, ev.RunID)
	assert.Equal(t, run1.ID, *ev.RunID)
	assert.Equal(t, model.InboundStatusPending, ev.Status)

	require.NoError(t, s.UpdateInboundStatus(ctx, ev.ID, model.InboundStatusProcessed))
	ev, err = s.GetInbound(ctx, "chat-in", "m1")
	require.NoError(t, err)
	assert.Equal(t, model.InboundStatusProcessed, ev.Status)

	// Same message id in another chat is a different key.
	ok, err = s.AcceptInbound(ctx, inboundFor("chat-other", "m1"), newRun("chat-other"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func testAcceptInboundConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const deliveries = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		errs     []error
	)
	for range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.AcceptInbound(ctx, inboundFor("chat-race", "m-race"), newRun("chat-race"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				accepted++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, accepted)
	runs, err := s.ListRunsByThread(ctx, "chat-race")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func testOutboundDedup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun("chat-out")
	require.NoError(t, s.InsertRun(ctx, run))

	msg := model.OutboundMessage{
		ID:            uuid.Must(uuid.NewV7()),
		RunID:         run.ID,
		ChatID:        "chat-out",
		Payload:       `{"text":{"body":"hi"},"type":"text"}`,
		PayloadSHA256: "abc",
		Status:        model.OutboundStatusQueued,
		CreatedAt:     storage.Now(),
	}
	ok, err := s.InsertOutbound(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := msg
	dup.ID = uuid.Must(uuid.NewV7())
	ok, err = s.InsertOutbound(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok)

	sendID := "wamid.1"
	require.NoError(t, s.UpdateOutboundStatus(ctx, msg.ID, model.OutboundStatusSent, &sendID))

	msgs, err := s.ListOutbound(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.OutboundStatusSent, msgs[0].Status)
	require.NotNil(t, msgs[0].ExternalSendID)
	assert.Equal(t, "wamid.1", *msgs[0].ExternalSendID)
}

func testJobs(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun("chat-job")
	require.NoError(t, s.InsertRun(ctx, run))

	now := storage.Now()
	job := model.Job{
		ID:               uuid.Must(uuid.NewV7()),
		RunID:            run.ID,
		ChatID:           "chat-job",
		InitialMessageID: "m1",
		TaskType:         "pipeline",
		AgentRole:        model.RolePM,
		Payload:          json.RawMessage(`{"text":"build it"}`),
		Status:           model.JobStatusQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.InsertJob(ctx, job))

	pending, err := s.ListJobsByStatus(ctx, model.JobStatusQueued, model.JobStatusRunning)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"text":"build it"}`, string(pending[0].Payload))

	claimed, ok, err := s.ClaimJob(ctx, job.ID, storage.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.JobStatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	msg := "boom"
	require.NoError(t, s.FinishJob(ctx, job.ID, model.JobStatusFailed, &msg, storage.Now()))

	_, ok, err = s.ClaimJob(ctx, job.ID, storage.Now())
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs are not reclaimed")

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)

	_, err = s.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testJobsByRun(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun("chat-run-jobs")
	other := newRun("chat-run-jobs-other")
	require.NoError(t, s.InsertRun(ctx, run))
	require.NoError(t, s.InsertRun(ctx, other))

	base := storage.Now()
	job := func(runID uuid.UUID, offset time.Duration, status model.JobStatus) model.Job {
		return model.Job{
			ID: uuid.Must(uuid.NewV7()), RunID: runID, ChatID: "chat", TaskType: "pipeline",
			AgentRole: model.RoleFounder, Status: status,
			CreatedAt: base.Add(offset), UpdatedAt: base.Add(offset),
		}
	}
	second := job(run.ID, time.Second, model.JobStatusQueued)
	first := job(run.ID, 0, model.JobStatusFailed)
	first.Payload = json.RawMessage(`{"text":"first"}`)
	require.NoError(t, s.InsertJob(ctx, second))
	require.NoError(t, s.InsertJob(ctx, first))
	require.NoError(t, s.InsertJob(ctx, job(other.ID, 0, model.JobStatusQueued)))

	jobs, err := s.ListJobsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID, "oldest first")
	assert.Equal(t, second.ID, jobs[1].ID)
	assert.JSONEq(t, `{"text":"first"}`, string(jobs[0].Payload))

	none, err := s.ListJobsByRun(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}
