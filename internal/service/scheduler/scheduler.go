// Package scheduler runs long jobs in the background.
//
// Jobs are persisted before they are dispatched, so a job that was queued or
// running when the process died is picked up again by Recover. Delivery is
// at-least-once: a recovered job may execute twice, and its notifications
// are kept single by the egress deduplicator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/tsuzuki/internal/ctxutil"
	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/storage"
	"github.com/ashita-ai/tsuzuki/internal/telemetry"
)

var (
	// ErrJobNotFound is returned by Job for unknown ids.
	ErrJobNotFound = errors.New("scheduler: job not found")

	// ErrDraining is returned by EnqueueJob once Drain has been called.
	ErrDraining = errors.New("scheduler: draining")

	// ErrRunBusy is returned when a run already has a queued or running job.
	ErrRunBusy = errors.New("scheduler: run has an active job")
)

// Executor performs a job's work.
type Executor interface {
	Execute(ctx context.Context, job model.Job) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job model.Job) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job model.Job) error { return f(ctx, job) }

// Notifier sends user-visible notifications. egress.Service implements it.
type Notifier interface {
	SendMessage(ctx context.Context, runID uuid.UUID, chatID, text string) error
}

// Hook observes finished jobs. JobFinished runs on the worker goroutine
// after the job's final status is stored and the user has been notified.
type Hook interface {
	JobFinished(ctx context.Context, job model.Job)
}

// StartMessage is sent when a job is enqueued.
func StartMessage(taskType string) string {
	return "⏳ Starting background task: " + taskType
}

// CompletedMessage is sent when a job's executor succeeds.
func CompletedMessage(taskType string) string {
	return "✅ Completed background task: " + taskType
}

// FailedMessage is sent when a job's executor fails.
func FailedMessage(taskType string, err error) string {
	return fmt.Sprintf("❌ The background task %q failed: %s", taskType, err.Error())
}

// Scheduler dispatches jobs to a bounded pool of goroutines.
type Scheduler struct {
	store    storage.Store
	ledger   *ledger.Ledger
	executor Executor
	notifier Notifier
	hooks    []Hook
	logger   *slog.Logger
	sem      *semaphore.Weighted

	base     context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	draining atomic.Bool
	inFlight atomic.Int64

	// active holds the ids of jobs dispatched by this process and not yet
	// returned from their worker.
	activeMu sync.Mutex
	active   map[uuid.UUID]struct{}

	dispatched metric.Int64Counter
	failed     metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates a Scheduler running at most workers jobs at once.
func New(store storage.Store, l *ledger.Ledger, exec Executor, n Notifier, workers int, logger *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:    store,
		ledger:   l,
		executor: exec,
		notifier: n,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(workers)),
		base:     base,
		cancel:   cancel,
		active:   map[uuid.UUID]struct{}{},
	}
	s.registerMetrics()
	return s
}

// AddHook registers h. Hooks must be added before the first job is
// enqueued or recovered.
func (s *Scheduler) AddHook(h Hook) {
	s.hooks = append(s.hooks, h)
}

func (s *Scheduler) runHooks(ctx context.Context, job model.Job) {
	for _, h := range s.hooks {
		h.JobFinished(ctx, job)
	}
}

// EnqueueJob persists a job, sends the start notification and dispatches
// the job without waiting for it to run. A failed start notification is
// logged and does not stop the job.
func (s *Scheduler) EnqueueJob(ctx context.Context, req model.JobRequest) (uuid.UUID, error) {
	if s.draining.Load() {
		return uuid.Nil, ErrDraining
	}
	if req.TaskType == "" {
		return uuid.Nil, errors.New("scheduler: task type is required")
	}

	now := storage.Now()
	job := model.Job{
		ID:               uuid.Must(uuid.NewV7()),
		RunID:            req.RunID,
		ChatID:           req.ChatID,
		InitialMessageID: req.InitialMessageID,
		TaskType:         req.TaskType,
		AgentRole:        req.AgentRole,
		Payload:          req.Payload,
		Status:           model.JobStatusQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("scheduler: enqueue: %w", err)
	}
	s.logger.Info("scheduler: job enqueued", "job_id", job.ID, "run_id", job.RunID, "task_type", job.TaskType, "role", job.AgentRole)

	if err := s.notifier.SendMessage(ctx, job.RunID, job.ChatID, StartMessage(job.TaskType)); err != nil {
		s.logger.Warn("scheduler: start notification failed", "job_id", job.ID, "error", err)
	}

	s.dispatch(job)
	return job.ID, nil
}

// Recover re-dispatches jobs left queued or running by a previous process.
// Call it once at startup before accepting traffic. Jobs this process has
// already dispatched are skipped, so a late call cannot run a job twice
// here; another process sharing the store can still claim it.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	jobs, err := s.store.ListJobsByStatus(ctx, model.JobStatusQueued, model.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("scheduler: recover: %w", err)
	}
	n := 0
	for _, job := range jobs {
		if !s.dispatch(job) {
			continue
		}
		s.logger.Info("scheduler: recovering job", "job_id", job.ID, "run_id", job.RunID, "status", job.Status, "attempts", job.Attempts)
		n++
	}
	return n, nil
}

// Job returns a job's persisted state.
func (s *Scheduler) Job(ctx context.Context, id uuid.UUID) (model.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("scheduler: get job: %w", err)
	}
	return job, nil
}

// JobsForRun returns every job of a run, oldest first.
func (s *Scheduler) JobsForRun(ctx context.Context, runID uuid.UUID) ([]model.Job, error) {
	jobs, err := s.store.ListJobsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: run jobs: %w", err)
	}
	return jobs, nil
}

// ActiveJob returns the run's queued or running job, if any.
func ActiveJob(jobs []model.Job) (model.Job, bool) {
	for _, j := range jobs {
		if j.Status == model.JobStatusQueued || j.Status == model.JobStatusRunning {
			return j, true
		}
	}
	return model.Job{}, false
}

// Busy returns the number of jobs dispatched and not yet finished.
func (s *Scheduler) Busy() int64 { return s.inFlight.Load() }

// dispatch hands job to a worker unless this process already has it.
// ClaimJob accepts running jobs so Recover can take over work from a dead
// process; the active set keeps that from running a live job twice.
func (s *Scheduler) dispatch(job model.Job) bool {
	s.activeMu.Lock()
	if _, dup := s.active[job.ID]; dup {
		s.activeMu.Unlock()
		s.logger.Debug("scheduler: job already dispatched", "job_id", job.ID)
		return false
	}
	s.active[job.ID] = struct{}{}
	s.activeMu.Unlock()

	s.wg.Add(1)
	s.inFlight.Add(1)
	s.dispatched.Add(s.base, 1, metric.WithAttributes(attribute.String("task_type", job.TaskType)))
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)
		defer func() {
			s.activeMu.Lock()
			delete(s.active, job.ID)
			s.activeMu.Unlock()
		}()
		if err := s.sem.Acquire(s.base, 1); err != nil {
			// Drain gave up; the job stays queued for the next Recover.
			return
		}
		defer s.sem.Release(1)
		s.processJob(s.base, job.ID)
	}()
	return true
}

func (s *Scheduler) processJob(ctx context.Context, jobID uuid.UUID) {
	job, ok, err := s.store.ClaimJob(ctx, jobID, storage.Now())
	if err != nil {
		s.logger.Error("scheduler: claim job", "job_id", jobID, "error", err)
		return
	}
	if !ok {
		s.logger.Debug("scheduler: job already finished", "job_id", jobID)
		return
	}

	start := time.Now()
	execErr := s.execute(ctx, job)
	s.duration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("task_type", job.TaskType), attribute.Bool("ok", execErr == nil)))

	if execErr != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the job. Leave it running so Recover
			// picks it up rather than reporting a failure to the user.
			s.logger.Warn("scheduler: job interrupted by shutdown", "job_id", job.ID, "run_id", job.RunID)
			return
		}
		s.handleFailure(ctx, job, execErr)
		return
	}

	if err := s.store.FinishJob(ctx, job.ID, model.JobStatusCompleted, nil, storage.Now()); err != nil {
		s.logger.Error("scheduler: mark job completed", "job_id", job.ID, "error", err)
	}
	if err := s.ledger.UpdateRunState(ctx, job.RunID, model.RunStateCompleted); err != nil {
		s.logger.Warn("scheduler: mark run completed", "run_id", job.RunID, "error", err)
	}
	if err := s.notifier.SendMessage(ctx, job.RunID, job.ChatID, CompletedMessage(job.TaskType)); err != nil {
		s.logger.Warn("scheduler: completion notification failed", "job_id", job.ID, "error", err)
	}
	s.logger.Info("scheduler: job completed", "job_id", job.ID, "run_id", job.RunID, "attempts", job.Attempts)
	job.Status = model.JobStatusCompleted
	s.runHooks(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return s.executor.Execute(ctxutil.WithJob(ctx, job.RunID, job.ID), job)
}

// handleFailure records the error, leaves the run failed so it can be
// resumed, and tells the user.
func (s *Scheduler) handleFailure(ctx context.Context, job model.Job, cause error) {
	s.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", job.TaskType)))
	s.logger.Error("scheduler: job failed", "job_id", job.ID, "run_id", job.RunID, "error", cause)

	msg := cause.Error()
	if err := s.store.FinishJob(ctx, job.ID, model.JobStatusFailed, &msg, storage.Now()); err != nil {
		s.logger.Error("scheduler: mark job failed", "job_id", job.ID, "error", err)
	}
	if err := s.ledger.UpdateRunState(ctx, job.RunID, model.RunStateFailed); err != nil {
		s.logger.Warn("scheduler: mark run failed", "run_id", job.RunID, "error", err)
	}
	if err := s.notifier.SendMessage(ctx, job.RunID, job.ChatID, FailedMessage(job.TaskType, cause)); err != nil {
		s.logger.Warn("scheduler: failure notification failed", "job_id", job.ID, "error", err)
	}
	job.Status = model.JobStatusFailed
	job.LastError = &msg
	s.runHooks(ctx, job)
}

// Drain stops accepting jobs and waits for dispatched ones. When ctx
// expires, running executors are cancelled; their jobs stay running in
// storage and are re-dispatched by the next Recover.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.draining.Store(true)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		s.logger.Warn("scheduler: drain timed out", "in_flight", s.inFlight.Load())
		return ctx.Err()
	}
}

func (s *Scheduler) registerMetrics() {
	meter := telemetry.Meter("tsuzuki/scheduler")

	s.dispatched, _ = meter.Int64Counter("tsuzuki.jobs.dispatched",
		metric.WithDescription("Jobs handed to the worker pool, including recovered jobs"))
	s.failed, _ = meter.Int64Counter("tsuzuki.jobs.failed",
		metric.WithDescription("Jobs whose executor returned an error"))
	s.duration, _ = meter.Float64Histogram("tsuzuki.jobs.duration",
		metric.WithDescription("Job execution time"),
		metric.WithUnit("s"))
	_, _ = meter.Int64ObservableGauge("tsuzuki.jobs.in_flight",
		metric.WithDescription("Jobs dispatched and not yet finished"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.inFlight.Load())
			return nil
		}),
	)
}
