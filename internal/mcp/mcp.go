// Package mcp implements the operator Model Context Protocol server.
//
// It exposes the same read and resume operations as the /v1 HTTP API so
// MCP-capable assistants can inspect stuck runs and restart them.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsuzuki/internal/artifacts"
	"github.com/ashita-ai/tsuzuki/internal/pipeline"
	"github.com/ashita-ai/tsuzuki/internal/service/checkpoint"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/service/scheduler"
)

const instructions = `Tsuzuki runs multi-stage product jobs requested over WhatsApp.
Use tsuzuki_run_status to inspect a run, tsuzuki_list_artifacts and
tsuzuki_read_artifact to review its outputs, and tsuzuki_resume_run to
continue a blocked or failed run from its latest checkpoint.`

// Deps holds the services the MCP tools read from.
type Deps struct {
	Ledger      *ledger.Ledger
	Checkpoints *checkpoint.Store
	Artifacts   *artifacts.Store
	Scheduler   *scheduler.Scheduler
	Resumer     *pipeline.Resumer
	Logger      *slog.Logger
	Version     string
}

// Server wraps the mcp-go server with Tsuzuki's service layer.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	ledger      *ledger.Ledger
	checkpoints *checkpoint.Store
	artifacts   *artifacts.Store
	scheduler   *scheduler.Scheduler
	resumer     *pipeline.Resumer
	logger      *slog.Logger
}

// New creates and configures the MCP server with all resources, tools and
// prompts registered.
func New(d Deps) *Server {
	s := &Server{
		ledger:      d.Ledger,
		checkpoints: d.Checkpoints,
		artifacts:   d.Artifacts,
		scheduler:   d.Scheduler,
		resumer:     d.Resumer,
		logger:      d.Logger,
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tsuzuki",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(instructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
