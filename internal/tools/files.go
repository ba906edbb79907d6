package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/tsuzuki/internal/memory"
)

// FilesTool reads and edits files in the caller's scratch directory.
type FilesTool struct {
	layout *memory.Layout
}

// NewFilesTool creates a FilesTool.
func NewFilesTool(layout *memory.Layout) *FilesTool {
	return &FilesTool{layout: layout}
}

func (t *FilesTool) Name() string { return NameFiles }

func (t *FilesTool) Description() string {
	return "Read, write, patch or list files in the role's scratch directory."
}

// Execute performs one file operation. Patch replaces the first occurrence
// of Find and fails if there is none.
func (t *FilesTool) Execute(_ context.Context, input Input, tc Context) (Result, error) {
	in, ok := input.(FilesInput)
	if !ok {
		return Result{}, fmt.Errorf("%w: files got %T", ErrInvalidInput, input)
	}
	scope := memory.Scratch(tc.RunID, tc.Role)

	switch in.Operation {
	case OpRead:
		content, err := t.layout.Read(scope, in.Path)
		if err != nil {
			return Fail(fmt.Sprintf("file operation failed: %v", err)), nil
		}
		return Success(map[string]any{"content": content}), nil

	case OpWrite:
		if err := t.layout.Write(scope, in.Path, in.Content); err != nil {
			return Fail(fmt.Sprintf("file operation failed: %v", err)), nil
		}
		return Success(map[string]any{"path": in.Path, "bytes": len(in.Content)}), nil

	case OpPatch:
		existing, err := t.layout.Read(scope, in.Path)
		if err != nil {
			return Fail(fmt.Sprintf("file operation failed: %v", err)), nil
		}
		if !strings.Contains(existing, in.Find) {
			return Fail(fmt.Sprintf("patch failed: find block not found in %s", in.Path)), nil
		}
		updated := strings.Replace(existing, in.Find, in.Replace, 1)
		if err := t.layout.Write(scope, in.Path, updated); err != nil {
			return Fail(fmt.Sprintf("file operation failed: %v", err)), nil
		}
		return Success(map[string]any{"path": in.Path, "bytes": len(updated)}), nil

	case OpList:
		names, err := t.layout.List(scope, in.Path)
		if err != nil {
			return Fail(fmt.Sprintf("file operation failed: %v", err)), nil
		}
		return Success(map[string]any{"entries": names}), nil

	default:
		return Fail(fmt.Sprintf("unknown file operation %q", in.Operation)), nil
	}
}
