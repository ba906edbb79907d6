package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// MCPTool calls tools on external MCP servers over streamable HTTP.
type MCPTool struct {
	servers map[string]string
	version string
}

// NewMCPTool creates an MCPTool. servers maps a server name to its MCP
// endpoint URL.
func NewMCPTool(servers map[string]string, version string) *MCPTool {
	s := make(map[string]string, len(servers))
	for k, v := range servers {
		s[k] = v
	}
	return &MCPTool{servers: s, version: version}
}

func (t *MCPTool) Name() string { return NameMCP }

func (t *MCPTool) Description() string {
	return "Call a tool on a configured MCP server."
}

// Servers returns the configured server names, sorted.
func (t *MCPTool) Servers() []string {
	names := make([]string, 0, len(t.servers))
	for n := range t.servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute opens a session, calls the tool and closes the session. A tool
// result flagged as an error becomes a failed Result.
func (t *MCPTool) Execute(ctx context.Context, input Input, _ Context) (Result, error) {
	in, ok := input.(MCPInput)
	if !ok {
		return Result{}, fmt.Errorf("%w: mcp got %T", ErrInvalidInput, input)
	}
	url, ok := t.servers[in.Server]
	if !ok {
		return Fail(fmt.Sprintf("mcp: unknown server %q", in.Server)), nil
	}

	c, err := mcpclient.NewStreamableHttpClient(url)
	if err != nil {
		return Result{}, fmt.Errorf("mcp: create client for %s: %w", in.Server, err)
	}
	defer func() { _ = c.Close() }()

	if _, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "tsuzuki", Version: t.version},
		},
	}); err != nil {
		return Result{}, fmt.Errorf("mcp: initialize %s: %w", in.Server, err)
	}

	args := in.Arguments
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: in.Tool, Arguments: args},
	})
	if err != nil {
		return Result{}, fmt.Errorf("mcp: call %s.%s: %w", in.Server, in.Tool, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return Fail(fmt.Sprintf("mcp: %s.%s: %s", in.Server, in.Tool, text)), nil
	}
	return Success(map[string]any{"server": in.Server, "tool": in.Tool, "text": text}), nil
}

func contentText(content []mcplib.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcplib.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
