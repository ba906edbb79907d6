package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

const (
	runURIPrefix   = "tsuzuki://runs/"
	artifactsInfix = "/artifacts/"
)

func (s *Server) registerResources() {
	// tsuzuki://runs/{id}: run detail with steps and latest checkpoint.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"tsuzuki://runs/{id}",
			"Run",
			mcplib.WithTemplateDescription("Run state, steps and latest checkpoint"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunResource,
	)

	// tsuzuki://runs/{id}/artifacts/{type}: Markdown rendering of one artifact.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"tsuzuki://runs/{id}/artifacts/{type}",
			"Artifact",
			mcplib.WithTemplateDescription("Markdown rendering of a run artifact"),
			mcplib.WithTemplateMIMEType("text/markdown"),
		),
		s.handleArtifactResource,
	)
}

func (s *Server) handleRunResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runID, rest, err := parseRunURI(uri)
	if err != nil || rest != "" {
		return nil, fmt.Errorf("mcp: invalid run URI: %s", uri)
	}
	run, err := s.ledger.LoadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run resource: %w", err)
	}
	steps, err := s.ledger.ListSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run resource steps: %w", err)
	}
	cp, err := s.checkpoints.GetLatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run resource checkpoint: %w", err)
	}
	data, err := json.MarshalIndent(model.RunDetail{Run: run, Steps: steps, Checkpoint: cp}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal run: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}

func (s *Server) handleArtifactResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	runID, rest, err := parseRunURI(uri)
	typ, ok := strings.CutPrefix(rest, artifactsInfix)
	if err != nil || !ok || typ == "" {
		return nil, fmt.Errorf("mcp: invalid artifact URI: %s", uri)
	}
	a, err := s.artifacts.Read(ctx, runID, typ)
	if err != nil {
		return nil, fmt.Errorf("mcp: artifact resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "text/markdown", Text: a.Markdown},
	}, nil
}

// parseRunURI splits tsuzuki://runs/<uuid>[rest] into the run ID and the
// remaining suffix.
func parseRunURI(uri string) (uuid.UUID, string, error) {
	tail, ok := strings.CutPrefix(uri, runURIPrefix)
	if !ok {
		return uuid.Nil, "", fmt.Errorf("missing %s prefix", runURIPrefix)
	}
	idPart, rest := tail, ""
	if i := strings.IndexByte(tail, '/'); i >= 0 {
		idPart, rest = tail[:i], tail[i:]
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, rest, nil
}
