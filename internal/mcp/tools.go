package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsuzuki/internal/artifacts"
	"github.com/ashita-ai/tsuzuki/internal/ctxutil"
	"github.com/ashita-ai/tsuzuki/internal/memory"
	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/pipeline"
	"github.com/ashita-ai/tsuzuki/internal/service/checkpoint"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/service/resume"
	"github.com/ashita-ai/tsuzuki/internal/service/scheduler"
)

func (s *Server) registerTools() {
	runID := mcplib.WithString("run_id",
		mcplib.Description("Run UUID"),
		mcplib.Required(),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsuzuki_run_status",
			mcplib.WithDescription(`Show a run's state, its steps in order, and the latest checkpoint.

Use this first when a requester reports that a background task stalled.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			runID,
		),
		s.handleRunStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsuzuki_list_steps",
			mcplib.WithDescription("List a run's steps in insertion order with their status."),
			mcplib.WithReadOnlyHintAnnotation(true),
			runID,
		),
		s.handleListSteps,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsuzuki_resume_run",
			mcplib.WithDescription(`Resume a run from its latest checkpoint.

Blocked or failed runs are reactivated and a job is enqueued that skips
the stages already recorded in the checkpoint. Completed runs are resumed
anyway and report was_completed=true.`),
			mcplib.WithDestructiveHintAnnotation(false),
			runID,
		),
		s.handleResumeRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsuzuki_list_artifacts",
			mcplib.WithDescription("List the artifacts a run has written, from its artifact index."),
			mcplib.WithReadOnlyHintAnnotation(true),
			runID,
		),
		s.handleListArtifacts,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsuzuki_read_artifact",
			mcplib.WithDescription("Read one artifact: header, JSON body and Markdown rendering."),
			mcplib.WithReadOnlyHintAnnotation(true),
			runID,
			mcplib.WithString("artifact_type",
				mcplib.Description("Artifact type, e.g. spec, design, build_plan, qa_report"),
				mcplib.Required(),
			),
		),
		s.handleReadArtifact,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsuzuki_job_status",
			mcplib.WithDescription("Show a background job's status, attempts and last error."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("job_id", mcplib.Description("Job UUID"), mcplib.Required()),
		),
		s.handleJobStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("tsuzuki_promote_decision",
			mcplib.WithDescription(`Copy a file from a run's artifacts into the global decisions/ directory.

Only the founder changes global memory; MCP callers act as the founder.
Later runs see the newest decision names in every role's context pack.`),
			mcplib.WithDestructiveHintAnnotation(false),
			runID,
			mcplib.WithString("source",
				mcplib.Description("File relative to the run's artifact directory, e.g. spec.md"),
				mcplib.Required(),
			),
			mcplib.WithString("name",
				mcplib.Description("File name under decisions/, e.g. 0007-use-sqlite.md"),
				mcplib.Required(),
			),
		),
		s.handlePromoteDecision,
	)
}

func (s *Server) handlePromoteDecision(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, res := requireUUID(request, "run_id")
	if res != nil {
		return res, nil
	}
	source, err := request.RequireString("source")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	if _, err := s.ledger.LoadRun(ctx, id); err != nil {
		return lookupError("run", err), nil
	}
	rel, err := s.artifacts.Layout().PromoteDecision(model.RoleFounder, id, source, name)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		return mcplib.NewToolResultError("source file not found in the run's artifacts"), nil
	case errors.Is(err, memory.ErrInvalidName), errors.Is(err, memory.ErrPathEscape):
		return mcplib.NewToolResultError(err.Error()), nil
	case err != nil:
		return nil, fmt.Errorf("mcp: promote decision: %w", err)
	}
	s.logger.Info("mcp: decision promoted", "run_id", id, "source", source, "path", rel)
	return jsonResult(model.PromoteDecisionResponse{RunID: id, Path: rel})
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, res := requireUUID(request, "run_id")
	if res != nil {
		return res, nil
	}
	run, err := s.ledger.LoadRun(ctx, id)
	if err != nil {
		return lookupError("run", err), nil
	}
	steps, err := s.ledger.ListSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: list steps: %w", err)
	}
	cp, err := s.checkpoints.GetLatestCheckpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: latest checkpoint: %w", err)
	}
	return jsonResult(model.RunDetail{Run: run, Steps: steps, Checkpoint: cp})
}

func (s *Server) handleListSteps(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, res := requireUUID(request, "run_id")
	if res != nil {
		return res, nil
	}
	if _, err := s.ledger.LoadRun(ctx, id); err != nil {
		return lookupError("run", err), nil
	}
	steps, err := s.ledger.ListSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: list steps: %w", err)
	}
	return jsonResult(map[string]any{"run_id": id, "steps": steps, "total": len(steps)})
}

func (s *Server) handleResumeRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, res := requireUUID(request, "run_id")
	if res != nil {
		return res, nil
	}
	ctx = ctxutil.WithActor(ctx, ctxutil.Actor{
		Surface:   ctxutil.SurfaceMCP,
		RequestID: ctxutil.RequestID(ctx),
		Endpoint:  "tsuzuki_resume_run",
	})
	p, jobID, err := s.resumer.Resume(ctx, id)
	switch {
	case errors.Is(err, resume.ErrRunNotFound):
		return mcplib.NewToolResultError("run not found"), nil
	case errors.Is(err, checkpoint.ErrCorruptSnapshot):
		return mcplib.NewToolResultError("latest checkpoint snapshot is corrupt; inspect it before resuming"), nil
	case errors.Is(err, scheduler.ErrRunBusy):
		return mcplib.NewToolResultError("run already has an active job " + jobID.String() + "; poll it with tsuzuki_job_status"), nil
	case errors.Is(err, scheduler.ErrDraining):
		return mcplib.NewToolResultError("server is shutting down; retry later"), nil
	case err != nil:
		return nil, fmt.Errorf("mcp: resume: %w", err)
	}

	resp := pipeline.ResumeResponse(p)
	s.logger.Info("mcp: run resumed", "run_id", id, "job_id", jobID)
	return jsonResult(map[string]any{"resume": resp, "job_id": jobID})
}

func (s *Server) handleListArtifacts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, res := requireUUID(request, "run_id")
	if res != nil {
		return res, nil
	}
	entries, err := s.artifacts.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: list artifacts: %w", err)
	}
	return jsonResult(map[string]any{"run_id": id, "artifacts": entries, "total": len(entries)})
}

func (s *Server) handleReadArtifact(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, res := requireUUID(request, "run_id")
	if res != nil {
		return res, nil
	}
	typ, err := request.RequireString("artifact_type")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	a, err := s.artifacts.Read(ctx, id, typ)
	switch {
	case errors.Is(err, artifacts.ErrNotFound):
		return mcplib.NewToolResultError("artifact not found"), nil
	case err != nil:
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(a)
}

func (s *Server) handleJobStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, res := requireUUID(request, "job_id")
	if res != nil {
		return res, nil
	}
	job, err := s.scheduler.Job(ctx, id)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		return mcplib.NewToolResultError("job not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: job: %w", err)
	}
	return jsonResult(job)
}

// requireUUID returns a tool error result when the argument is missing or
// not a UUID.
func requireUUID(request mcplib.CallToolRequest, name string) (uuid.UUID, *mcplib.CallToolResult) {
	raw, err := request.RequireString(name)
	if err != nil {
		return uuid.Nil, mcplib.NewToolResultError(err.Error())
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, mcplib.NewToolResultError(fmt.Sprintf("%s must be a UUID", name))
	}
	return id, nil
}

func lookupError(what string, err error) *mcplib.CallToolResult {
	if errors.Is(err, ledger.ErrNotFound) {
		return mcplib.NewToolResultError(what + " not found")
	}
	return mcplib.NewToolResultErrorFromErr("failed to load "+what, err)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return mcplib.NewToolResultText(string(data)), nil
}
