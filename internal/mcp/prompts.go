package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// triage-run walks an operator through diagnosing a stalled run.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-run",
			mcplib.WithPromptDescription("Diagnose a stalled or failed run and decide whether to resume it"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("Run UUID reported by the requester or found in the logs"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTriageRunPrompt,
	)
}

func (s *Server) handleTriageRunPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	if runID == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}

	text := fmt.Sprintf(`Triage run %[1]s:

1. CALL tsuzuki_run_status with run_id="%[1]s".
   - state=completed: nothing to do. Report the artifacts instead.
   - state=active with a step stuck in "running": the worker may have died.
   - state=blocked or failed: find the last step with status "error".

2. CALL tsuzuki_list_artifacts to see which stages produced output.
   Read any artifact the failing stage depends on with tsuzuki_read_artifact.

3. If the cause is transient, CALL tsuzuki_resume_run. Completed stages are
   skipped and the requester is not notified twice.

4. Follow the returned job with tsuzuki_job_status until it completes or fails.`, runID)

	return mcplib.NewGetPromptResult(
		"Triage run "+runID,
		[]mcplib.PromptMessage{
			mcplib.NewPromptMessage(mcplib.RoleUser, mcplib.NewTextContent(text)),
		},
	), nil
}
