// Package tools runs role-scoped tools with permission checks, input
// validation, bounded retries and per-attempt timeouts.
package tools

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

// Tool names.
const (
	NameBash    = "bash"
	NameBrowser = "browser"
	NameMCP     = "mcp"
	NameFiles   = "files"
)

// Names lists every built-in tool.
var Names = []string{NameBash, NameBrowser, NameMCP, NameFiles}

var (
	// ErrPermissionDenied is returned when the calling role may not use the
	// tool. The tool is not executed.
	ErrPermissionDenied = errors.New("tools: permission denied")

	// ErrInvalidInput is returned when input fails validation or is the
	// wrong variant for the tool. The tool is not executed.
	ErrInvalidInput = errors.New("tools: invalid input")

	// ErrUnknownTool is returned by the registry for unregistered names.
	ErrUnknownTool = errors.New("tools: unknown tool")
)

// Input is a tool-specific, validated argument set.
type Input interface {
	ToolName() string
}

// Context identifies who is calling a tool and for which step.
type Context struct {
	RunID  uuid.UUID  `json:"run_id"`
	Role   model.Role `json:"role"`
	StepID uuid.UUID  `json:"step_id"`
}

// Meta describes how a result was obtained.
type Meta struct {
	DurationMs int64 `json:"duration_ms"`
	Retries    int   `json:"retries"`
}

// Result is the normalized outcome of a tool call.
type Result struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Meta  Meta   `json:"meta"`
}

// Fail builds a failed Result.
func Fail(msg string) Result { return Result{OK: false, Error: msg} }

// Success builds a successful Result.
func Success(data any) Result { return Result{OK: true, Data: data} }

// Tool is a capability a step can invoke. Execute may report failure either
// as a Result with OK false or as an error; the runner retries both.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input Input, tc Context) (Result, error)
}
