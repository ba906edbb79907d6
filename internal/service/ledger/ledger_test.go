package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/storage"
	"github.com/ashita-ai/tsuzuki/internal/testutil"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(testutil.NewSQLiteStore(t), testutil.TestLogger())
}

func TestCreateAndLoadRun(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	run, err := l.CreateRun(ctx, "chat-42")
	require.NoError(t, err)
	assert.Equal(t, model.RunStateActive, run.State)
	assert.Equal(t, "chat-42", run.ThreadKey)

	got, err := l.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.RunStateActive, got.State)

	_, err = l.CreateRun(ctx, "  ")
	assert.Error(t, err)
}

func TestLoadRunNotFound(t *testing.T) {
	_, err := newLedger(t).LoadRun(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateRunStateForwardOnly(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	run, err := l.CreateRun(ctx, "chat")
	require.NoError(t, err)

	require.NoError(t, l.UpdateRunState(ctx, run.ID, model.RunStateBlocked))
	require.NoError(t, l.UpdateRunState(ctx, run.ID, model.RunStateBlocked), "same state is a no-op")
	require.NoError(t, l.UpdateRunState(ctx, run.ID, model.RunStateCompleted))

	err = l.UpdateRunState(ctx, run.ID, model.RunStateActive)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
	err = l.UpdateRunState(ctx, run.ID, model.RunStateFailed)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	err = l.UpdateRunState(ctx, run.ID, model.RunState("paused"))
	assert.Error(t, err)

	err = l.UpdateRunState(ctx, uuid.New(), model.RunStateFailed)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to model.RunState
		want     bool
	}{
		{model.RunStateActive, model.RunStateBlocked, true},
		{model.RunStateActive, model.RunStateFailed, true},
		{model.RunStateActive, model.RunStateCompleted, true},
		{model.RunStateBlocked, model.RunStateCompleted, true},
		{model.RunStateBlocked, model.RunStateActive, false},
		{model.RunStateFailed, model.RunStateActive, false},
		{model.RunStateCompleted, model.RunStateFailed, false},
		{model.RunStateFailed, model.RunStateFailed, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ledger.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestReactivate(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	run, err := l.CreateRun(ctx, "chat")
	require.NoError(t, err)

	got, changed, err := l.Reactivate(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.RunStateActive, got.State)

	require.NoError(t, l.UpdateRunState(ctx, run.ID, model.RunStateFailed))
	got, changed, err = l.Reactivate(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.RunStateActive, got.State)

	loaded, err := l.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateActive, loaded.State)

	_, _, err = l.Reactivate(ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStepsAppendUpdateList(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	run, err := l.CreateRun(ctx, "chat")
	require.NoError(t, err)

	labels := []string{"pm", "design", "eng", "qa"}
	for _, label := range labels {
		step, err := l.AppendStep(ctx, run.ID, label)
		require.NoError(t, err)
		assert.Equal(t, model.StepStatusPending, step.Status)
	}

	steps, err := l.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, len(labels))
	for i, s := range steps {
		assert.Equal(t, labels[i], s.Label)
		assert.Equal(t, run.ID, s.RunID)
	}

	require.NoError(t, l.UpdateStepStatus(ctx, steps[1].ID, model.StepStatusSuccess))
	got, err := l.GetStep(ctx, steps[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusSuccess, got.Status)

	assert.Error(t, l.UpdateStepStatus(ctx, steps[1].ID, model.StepStatus("done")))
	assert.ErrorIs(t, l.UpdateStepStatus(ctx, uuid.New(), model.StepStatusError), ledger.ErrNotFound)

	_, err = l.AppendStep(ctx, uuid.New(), "orphan")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	empty, err := l.ListSteps(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty)
}
