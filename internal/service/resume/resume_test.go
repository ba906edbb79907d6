package resume_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/service/checkpoint"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/service/resume"
	"github.com/ashita-ai/tsuzuki/internal/testutil"
)

type fixture struct {
	ledger *ledger.Ledger
	cps    *checkpoint.Store
	engine *resume.Engine
	root   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.NewSQLiteStore(t)
	root := t.TempDir()
	l := ledger.New(db, testutil.TestLogger())
	cps := checkpoint.New(db, root, testutil.TestLogger())
	return fixture{ledger: l, cps: cps, engine: resume.New(l, cps, testutil.TestLogger()), root: root}
}

func TestResumeFailedRunFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	run, err := f.ledger.CreateRun(ctx, "chat")
	require.NoError(t, err)
	step, err := f.ledger.AppendStep(ctx, run.ID, "pm")
	require.NoError(t, err)
	cp, err := f.cps.SaveCheckpoint(ctx, run.ID, step.ID, map[string]any{"completed": []string{"pm"}})
	require.NoError(t, err)
	require.NoError(t, f.ledger.UpdateRunState(ctx, run.ID, model.RunStateFailed))

	p, err := f.engine.PrepareResume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateActive, p.Run.State)
	assert.False(t, p.WasCompleted)
	require.NotNil(t, p.Checkpoint)
	assert.Equal(t, cp.ID, p.Checkpoint.ID)
	assert.JSONEq(t, `{"completed":["pm"]}`, string(p.State))

	// Idempotent.
	again, err := f.engine.PrepareResume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateActive, again.Run.State)
	assert.Equal(t, cp.ID, again.Checkpoint.ID)
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run, err := f.ledger.CreateRun(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, f.ledger.UpdateRunState(ctx, run.ID, model.RunStateBlocked))

	p, err := f.engine.PrepareResume(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, p.Checkpoint)
	assert.Nil(t, p.State)
	assert.Equal(t, model.RunStateActive, p.Run.State)
}

func TestResumeCompletedRunIsFlagged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run, err := f.ledger.CreateRun(ctx, "chat")
	require.NoError(t, err)
	require.NoError(t, f.ledger.UpdateRunState(ctx, run.ID, model.RunStateCompleted))

	p, err := f.engine.PrepareResume(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, p.WasCompleted)
	assert.Equal(t, model.RunStateActive, p.Run.State)
}

func TestResumeUnknownRun(t *testing.T) {
	_, err := newFixture(t).engine.PrepareResume(context.Background(), uuid.New())
	assert.ErrorIs(t, err, resume.ErrRunNotFound)
}

func TestResumeCorruptSnapshotLeavesRunUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	run, err := f.ledger.CreateRun(ctx, "chat")
	require.NoError(t, err)
	step, err := f.ledger.AppendStep(ctx, run.ID, "pm")
	require.NoError(t, err)
	cp, err := f.cps.SaveCheckpoint(ctx, run.ID, step.ID, map[string]int{"cursor": 1})
	require.NoError(t, err)
	require.NoError(t, f.ledger.UpdateRunState(ctx, run.ID, model.RunStateFailed))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, filepath.FromSlash(cp.SnapshotPointer)), []byte("garbage"), 0o644))

	_, err = f.engine.PrepareResume(ctx, run.ID)
	assert.ErrorIs(t, err, checkpoint.ErrCorruptSnapshot)

	loaded, err := f.ledger.LoadRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFailed, loaded.State)
}
