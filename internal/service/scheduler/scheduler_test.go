package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/service/egress"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/service/scheduler"
	"github.com/ashita-ai/tsuzuki/internal/storage"
	"github.com/ashita-ai/tsuzuki/internal/storage/sqlite"
	"github.com/ashita-ai/tsuzuki/internal/testutil"
)

type recordingChannel struct {
	mu    sync.Mutex
	texts []string
}

func (c *recordingChannel) Send(_ context.Context, _, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return "id", nil
}

func (c *recordingChannel) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

type fixture struct {
	db     *sqlite.DB
	ledger *ledger.Ledger
	ch     *recordingChannel
	sched  *scheduler.Scheduler
	run    model.Run
}

func newFixture(t *testing.T, exec scheduler.Executor, workers int) fixture {
	t.Helper()
	db := testutil.NewSQLiteStore(t)
	l := ledger.New(db, testutil.TestLogger())
	ch := &recordingChannel{}
	eg := egress.New(db, ch, testutil.TestLogger())
	s := scheduler.New(db, l, exec, eg, workers, testutil.TestLogger())
	run, err := l.CreateRun(context.Background(), "chat")
	require.NoError(t, err)
	return fixture{db: db, ledger: l, ch: ch, sched: s, run: run}
}

func (f fixture) request(taskType string) model.JobRequest {
	return model.JobRequest{RunID: f.run.ID, ChatID: "chat", InitialMessageID: "m1", TaskType: taskType, AgentRole: model.RolePM}
}

func drain(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))
}

func TestJobSuccessNotifiesStartAndCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scheduler.ExecutorFunc(func(context.Context, model.Job) error { return nil }), 2)

	id, err := f.sched.EnqueueJob(ctx, f.request("build"))
	require.NoError(t, err)
	drain(t, f.sched)

	assert.Equal(t, []string{
		"⏳ Starting background task: build",
		"✅ Completed background task: build",
	}, f.ch.Texts())

	job, err := f.sched.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)

	run, err := f.ledger.LoadRun(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCompleted, run.State)

	msgs, err := f.db.ListOutbound(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestJobFailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scheduler.ExecutorFunc(func(context.Context, model.Job) error {
		return errors.New("design stage exploded")
	}), 1)

	id, err := f.sched.EnqueueJob(ctx, f.request("build"))
	require.NoError(t, err)
	drain(t, f.sched)

	texts := f.ch.Texts()
	require.Len(t, texts, 2)
	assert.Equal(t, `❌ The background task "build" failed: design stage exploded`, texts[1])

	job, err := f.sched.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "design stage exploded", *job.LastError)

	run, err := f.ledger.LoadRun(ctx, f.run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFailed, run.State)
}

func TestExecutorPanicIsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scheduler.ExecutorFunc(func(context.Context, model.Job) error { panic("oops") }), 1)

	id, err := f.sched.EnqueueJob(ctx, f.request("build"))
	require.NoError(t, err)
	drain(t, f.sched)

	job, err := f.sched.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
}

func TestEnqueueDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, scheduler.ExecutorFunc(func(ctx context.Context, _ model.Job) error {
		<-release
		return nil
	}), 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.sched.EnqueueJob(context.Background(), f.request("build"))
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("EnqueueJob blocked on execution")
	}
	close(release)
	drain(t, f.sched)
}

func TestWorkerPoolIsBounded(t *testing.T) {
	var cur, peak atomic.Int64
	f := newFixture(t, scheduler.ExecutorFunc(func(context.Context, model.Job) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return nil
	}), 2)

	for i := range 6 {
		_, err := f.sched.EnqueueJob(context.Background(), f.request("task-"+string(rune('a'+i))))
		require.NoError(t, err)
	}
	drain(t, f.sched)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(0), f.sched.Busy())
}

func TestRecoverRedispatchesPersistedJobs(t *testing.T) {
	ctx := context.Background()
	var ran atomic.Int64
	f := newFixture(t, scheduler.ExecutorFunc(func(context.Context, model.Job) error {
		ran.Add(1)
		return nil
	}), 2)

	now := storage.Now()
	queued := model.Job{
		ID: uuid.Must(uuid.NewV7()), RunID: f.run.ID, ChatID: "chat", TaskType: "build",
		AgentRole: model.RolePM, Status: model.JobStatusQueued, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.db.InsertJob(ctx, queued))
	done := queued
	done.ID = uuid.Must(uuid.NewV7())
	done.Status = model.JobStatusCompleted
	require.NoError(t, f.db.InsertJob(ctx, done))

	n, err := f.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	drain(t, f.sched)

	assert.Equal(t, int64(1), ran.Load())
	job, err := f.sched.Job(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, []string{"✅ Completed background task: build"}, f.ch.Texts())
}

func TestJobNotFound(t *testing.T) {
	f := newFixture(t, scheduler.ExecutorFunc(func(context.Context, model.Job) error { return nil }), 1)
	_, err := f.sched.Job(context.Background(), uuid.New())
	assert.ErrorIs(t, err, scheduler.ErrJobNotFound)
}

func TestEnqueueAfterDrain(t *testing.T) {
	f := newFixture(t, scheduler.ExecutorFunc(func(context.Context, model.Job) error { return nil }), 1)
	drain(t, f.sched)
	_, err := f.sched.EnqueueJob(context.Background(), f.request("build"))
	assert.ErrorIs(t, err, scheduler.ErrDraining)
}

func TestEnqueueRequiresTaskType(t *testing.T) {
	f := newFixture(t, scheduler.ExecutorFunc(func(context.Context, model.Job) error { return nil }), 1)
	_, err := f.sched.EnqueueJob(context.Background(), f.request(""))
	assert.Error(t, err)
}

type hookFunc func(context.Context, model.Job)

func (f hookFunc) JobFinished(ctx context.Context, job model.Job) { f(ctx, job) }

func TestHooksSeeFinalStatus(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	f := newFixture(t, scheduler.ExecutorFunc(func(_ context.Context, job model.Job) error {
		if job.TaskType == "bad" {
			return errors.New("boom")
		}
		return nil
	}), 1)

	var mu sync.Mutex
	seen := map[string]model.Job{}
	f.sched.AddHook(hookFunc(func(_ context.Context, job model.Job) {
		calls.Add(1)
		mu.Lock()
		defer mu.Unlock()
		seen[job.TaskType] = job
	}))

	_, err := f.sched.EnqueueJob(ctx, f.request("good"))
	require.NoError(t, err)
	_, err = f.sched.EnqueueJob(ctx, f.request("bad"))
	require.NoError(t, err)
	drain(t, f.sched)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, model.JobStatusCompleted, seen["good"].Status)
	assert.Equal(t, model.JobStatusFailed, seen["bad"].Status)
	require.NotNil(t, seen["bad"].LastError)
	assert.Equal(t, "boom", *seen["bad"].LastError)
}

func TestRecoverSkipsJobsAlreadyDispatched(t *testing.T) {
	ctx := context.Background()
	var ran atomic.Int64
	release := make(chan struct{})
	f := newFixture(t, scheduler.ExecutorFunc(func(context.Context, model.Job) error {
		ran.Add(1)
		<-release
		return nil
	}), 2)

	id, err := f.sched.EnqueueJob(ctx, f.request("build"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := f.sched.Job(ctx, id)
		return err == nil && job.Status == model.JobStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	n, err := f.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "the running job belongs to this process")

	close(release)
	drain(t, f.sched)

	assert.Equal(t, int64(1), ran.Load())
	job, err := f.sched.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
}

func TestJobsForRunAndActiveJob(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	f := newFixture(t, scheduler.ExecutorFunc(func(_ context.Context, job model.Job) error {
		if job.TaskType == "slow" {
			<-release
		}
		return nil
	}), 2)

	fast, err := f.sched.EnqueueJob(ctx, f.request("fast"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := f.sched.Job(ctx, fast)
		return err == nil && job.Status == model.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	jobs, err := f.sched.JobsForRun(ctx, f.run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	_, busy := scheduler.ActiveJob(jobs)
	assert.False(t, busy)

	slow, err := f.sched.EnqueueJob(ctx, f.request("slow"))
	require.NoError(t, err)
	jobs, err = f.sched.JobsForRun(ctx, f.run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, fast, jobs[0].ID)
	active, busy := scheduler.ActiveJob(jobs)
	assert.True(t, busy)
	assert.Equal(t, slow, active.ID)

	close(release)
	drain(t, f.sched)
}
