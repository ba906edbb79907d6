// Package pipeline connects the orchestration services into the request
// flow: inbound messages are classified, trivial ones are acknowledged
// inline, and long jobs run the role stages in the background with a
// checkpoint after every stage.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/artifacts"
	"github.com/ashita-ai/tsuzuki/internal/ctxutil"
	"github.com/ashita-ai/tsuzuki/internal/memory"
	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/service/checkpoint"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/service/quality"
	"github.com/ashita-ai/tsuzuki/internal/service/resume"
	"github.com/ashita-ai/tsuzuki/internal/service/scheduler"
	"github.com/ashita-ai/tsuzuki/internal/tools"
)

// TaskType is the task type of pipeline jobs, shown in user notices.
const TaskType = "Product build"

// AckMessage is the inline reply to a trivial message.
const AckMessage = "Got it. Nothing to run in the background for this one."

// State is the checkpointed working state of a pipeline run.
type State struct {
	Request   string            `json:"request"`
	Completed []string          `json:"completed"`
	Artifacts map[string]string `json:"artifacts"`
}

type jobPayload struct {
	Text string `json:"text"`
}

// Enqueuer accepts background jobs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, req model.JobRequest) (uuid.UUID, error)
}

// Router is the ingress processor. It classifies each message and either
// replies inline or enqueues a pipeline job.
type Router struct {
	ledger   *ledger.Ledger
	jobs     Enqueuer
	notifier scheduler.Notifier
	triggers scheduler.Triggers
	logger   *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(l *ledger.Ledger, jobs Enqueuer, n scheduler.Notifier, triggers scheduler.Triggers, logger *slog.Logger) *Router {
	return &Router{ledger: l, jobs: jobs, notifier: n, triggers: triggers, logger: logger}
}

// Process implements ingress.Processor.
func (r *Router) Process(ctx context.Context, run model.Run, msg model.InboundMessage) error {
	c := scheduler.Classify(msg.Text, r.triggers)
	r.logger.Info("pipeline: classified",
		"run_id", run.ID, "kind", c.Kind, "score", c.Score, "reasons", c.Reasons)

	if c.Kind == scheduler.KindTrivial {
		if err := r.notifier.SendMessage(ctx, run.ID, msg.ChatID, AckMessage); err != nil {
			return fmt.Errorf("pipeline: acknowledge: %w", err)
		}
		if err := r.ledger.UpdateRunState(ctx, run.ID, model.RunStateCompleted); err != nil {
			return fmt.Errorf("pipeline: complete trivial run: %w", err)
		}
		return nil
	}

	payload, err := json.Marshal(jobPayload{Text: msg.Text})
	if err != nil {
		return fmt.Errorf("pipeline: encode payload: %w", err)
	}
	if _, err := r.jobs.EnqueueJob(ctx, model.JobRequest{
		RunID:            run.ID,
		ChatID:           msg.ChatID,
		InitialMessageID: msg.MessageID,
		TaskType:         TaskType,
		AgentRole:        model.RoleFounder,
		Payload:          payload,
	}); err != nil {
		return fmt.Errorf("pipeline: enqueue: %w", err)
	}
	return nil
}

// Executor runs the stages of a pipeline job. It implements
// scheduler.Executor.
type Executor struct {
	ledger      *ledger.Ledger
	checkpoints *checkpoint.Store
	artifacts   *artifacts.Store
	runner      *tools.Runner
	registry    *tools.Registry
	stages      []Stage
	toolOpts    tools.Options
	logger      *slog.Logger
}

// NewExecutor creates an Executor running DefaultStages.
func NewExecutor(
	l *ledger.Ledger,
	cps *checkpoint.Store,
	arts *artifacts.Store,
	runner *tools.Runner,
	registry *tools.Registry,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		ledger:      l,
		checkpoints: cps,
		artifacts:   arts,
		runner:      runner,
		registry:    registry,
		stages:      DefaultStages(),
		toolOpts:    tools.DefaultOptions(),
		logger:      logger,
	}
}

// WithToolOptions sets the retry and timeout policy for tool calls.
func (e *Executor) WithToolOptions(opts tools.Options) *Executor {
	e.toolOpts = opts
	return e
}

// Stages returns the configured stage sequence.
func (e *Executor) Stages() []Stage { return e.stages }

// Execute runs every stage not yet recorded in the run's latest checkpoint.
func (e *Executor) Execute(ctx context.Context, job model.Job) error {
	st, err := e.loadState(ctx, job)
	if err != nil {
		return err
	}
	for _, stage := range e.stages {
		if slices.Contains(st.Completed, stage.Name) {
			e.logger.Debug("pipeline: stage already done", "run_id", job.RunID, "stage", stage.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runStage(ctx, job.RunID, stage, &st); err != nil {
			return fmt.Errorf("pipeline: stage %s: %w", stage.Name, err)
		}
	}
	return nil
}

func (e *Executor) loadState(ctx context.Context, job model.Job) (State, error) {
	var st State
	cp, err := e.checkpoints.GetLatestCheckpoint(ctx, job.RunID)
	if err != nil {
		return State{}, fmt.Errorf("pipeline: latest checkpoint: %w", err)
	}
	if cp != nil {
		if err := e.checkpoints.LoadStateInto(ctx, *cp, &st); err != nil {
			return State{}, fmt.Errorf("pipeline: load state: %w", err)
		}
		e.logger.Info("pipeline: resuming from checkpoint",
			"run_id", job.RunID, "checkpoint_id", cp.ID, "completed", st.Completed)
	}
	if st.Request == "" && len(job.Payload) > 0 {
		var p jobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return State{}, fmt.Errorf("pipeline: decode payload: %w", err)
		}
		st.Request = p.Text
	}
	if st.Artifacts == nil {
		st.Artifacts = map[string]string{}
	}
	return st, nil
}

func (e *Executor) runStage(ctx context.Context, runID uuid.UUID, stage Stage, st *State) (err error) {
	step, err := e.ledger.AppendStep(ctx, runID, "stage:"+stage.Name)
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		if uerr := e.ledger.UpdateStepStatus(context.WithoutCancel(ctx), step.ID, model.StepStatusError); uerr != nil {
			e.logger.Warn("pipeline: mark step error", "step_id", step.ID, "error", uerr)
		}
	}()
	if err := e.ledger.UpdateStepStatus(ctx, step.ID, model.StepStatusRunning); err != nil {
		return err
	}

	layout := e.artifacts.Layout()
	pack, err := layout.Retrieve(runID, stage.Role)
	if err != nil {
		return err
	}
	body, md := stage.Build(st.Request, pack)

	if err := e.writeNote(ctx, runID, step.ID, stage, md+"\n\n"+pack.Markdown()); err != nil {
		return err
	}

	schema, err := artifacts.BuiltinSchema(stage.ArtifactType)
	if err != nil {
		return err
	}
	var notes []string
	if score, ok := quality.Score(stage.ArtifactType, body); ok {
		notes = append(notes, fmt.Sprintf("quality %.2f", score))
	}
	res, err := e.artifacts.Write(ctx, artifacts.WriteRequest{
		RunID:        runID,
		ArtifactType: stage.ArtifactType,
		AuthorRole:   stage.Role,
		Body:         body,
		Markdown:     md,
		Schema:       schema,
		Status:       model.ArtifactStatusReady,
		DependsOn:    stage.DependsOn,
		Notes:        notes,
	})
	if err != nil {
		return err
	}

	entry := fmt.Sprintf("- %s: %s v%d\n", stage.Name, stage.ArtifactType, res.Header.Version)
	if err := layout.Append(memory.Scratch(runID, stage.Role), memory.ScratchNotes, entry); err != nil {
		return err
	}

	st.Completed = append(st.Completed, stage.Name)
	st.Artifacts[stage.ArtifactType] = res.JSONPath
	if _, err := e.checkpoints.SaveCheckpoint(ctx, runID, step.ID, st); err != nil {
		return err
	}
	if err := e.ledger.UpdateStepStatus(ctx, step.ID, model.StepStatusSuccess); err != nil {
		return err
	}
	e.logger.Info("pipeline: stage done", "run_id", runID, "stage", stage.Name, "artifact", res.JSONPath)
	return nil
}

// writeNote records the stage's working notes and the context pack it
// started from in the role's scratch directory through the files tool, so
// every stage exercises the same permission and retry path as any other
// tool call.
func (e *Executor) writeNote(ctx context.Context, runID, stepID uuid.UUID, stage Stage, md string) error {
	tool, err := e.registry.Get(tools.NameFiles)
	if err != nil {
		return err
	}
	res, err := e.runner.Run(ctx, tool,
		tools.FilesInput{Operation: tools.OpWrite, Path: stage.Name + "-notes.md", Content: md},
		tools.Context{RunID: runID, Role: stage.Role, StepID: stepID},
		e.toolOpts,
	)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("notes: %s", res.Error)
	}
	return nil
}

// RunJobs enqueues jobs and lists the jobs of a run. scheduler.Scheduler
// implements it.
type RunJobs interface {
	Enqueuer
	JobsForRun(ctx context.Context, runID uuid.UUID) ([]model.Job, error)
}

// Resumer reactivates a run from its latest checkpoint and re-enqueues the
// pipeline so the remaining stages run. A run has at most one queued or
// running job at a time.
type Resumer struct {
	engine *resume.Engine
	jobs   RunJobs
	logger *slog.Logger

	// mu covers the active-job check and the enqueue that follows it.
	mu sync.Mutex
}

// NewResumer creates a Resumer.
func NewResumer(engine *resume.Engine, jobs RunJobs, logger *slog.Logger) *Resumer {
	return &Resumer{engine: engine, jobs: jobs, logger: logger}
}

// ResumeResponse renders a prepared resume for callers. StagesSkipped is
// left empty when the checkpoint state does not decode as a pipeline State.
func ResumeResponse(p resume.Prepared) model.ResumeResponse {
	resp := model.ResumeResponse{Run: p.Run, Checkpoint: p.Checkpoint, WasCompleted: p.WasCompleted}
	if len(p.State) > 0 {
		var st State
		if err := json.Unmarshal(p.State, &st); err == nil {
			resp.StagesSkipped = st.Completed
		}
	}
	return resp
}

// Resume prepares the run and enqueues a job for it. The run's thread key
// is the chat the notices go to, and the run's first request payload is
// carried into the new job so a run that failed before its first
// checkpoint still knows what was asked.
//
// When the run already has a queued or running job, Resume leaves the run
// untouched and returns that job's id with an error wrapping
// scheduler.ErrRunBusy.
func (r *Resumer) Resume(ctx context.Context, runID uuid.UUID) (resume.Prepared, uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs, err := r.jobs.JobsForRun(ctx, runID)
	if err != nil {
		return resume.Prepared{}, uuid.Nil, fmt.Errorf("pipeline: resume: %w", err)
	}
	if active, busy := scheduler.ActiveJob(jobs); busy {
		r.logger.Info("pipeline: resume refused, run busy", "run_id", runID, "job_id", active.ID, "status", active.Status)
		return resume.Prepared{}, active.ID, fmt.Errorf("%w: job %s", scheduler.ErrRunBusy, active.ID)
	}

	p, err := r.engine.PrepareResume(ctx, runID)
	if err != nil {
		return resume.Prepared{}, uuid.Nil, err
	}
	req := model.JobRequest{
		RunID:     runID,
		ChatID:    p.Run.ThreadKey,
		TaskType:  TaskType,
		AgentRole: model.RoleFounder,
	}
	if origin, ok := originJob(jobs); ok {
		req.InitialMessageID = origin.InitialMessageID
		req.Payload = origin.Payload
	}
	jobID, err := r.jobs.EnqueueJob(ctx, req)
	if err != nil {
		return p, uuid.Nil, fmt.Errorf("pipeline: enqueue resume: %w", err)
	}
	attrs := append([]any{"run_id", runID, "job_id", jobID, "from_checkpoint", p.Checkpoint != nil},
		ctxutil.ActorFromContext(ctx).LogAttrs()...)
	r.logger.Info("pipeline: run resumed", attrs...)
	return p, jobID, nil
}

// originJob returns the oldest job carrying a request payload.
func originJob(jobs []model.Job) (model.Job, bool) {
	for _, j := range jobs {
		if len(j.Payload) > 0 {
			return j, true
		}
	}
	return model.Job{}, false
}
