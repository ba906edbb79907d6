package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
	"unicode/utf8"

	"github.com/ashita-ai/tsuzuki/internal/memory"
)

// maxOutputBytes caps each captured stream.
const maxOutputBytes = 10000

const truncatedMarker = "\n... [TRUNCATED] ..."

// BashTool runs a command with bash -c inside the caller's scratch
// directory. Nothing persists between calls except files.
type BashTool struct {
	layout *memory.Layout
}

// NewBashTool creates a BashTool.
func NewBashTool(layout *memory.Layout) *BashTool {
	return &BashTool{layout: layout}
}

func (t *BashTool) Name() string { return NameBash }

func (t *BashTool) Description() string {
	return "Run a shell command in the role's scratch directory."
}

// Execute runs the command. A non-zero exit is a failed Result carrying
// both output streams.
func (t *BashTool) Execute(ctx context.Context, input Input, tc Context) (Result, error) {
	in, ok := input.(BashInput)
	if !ok {
		return Result{}, fmt.Errorf("%w: bash got %T", ErrInvalidInput, input)
	}

	dir, err := t.layout.Resolve(memory.Scratch(tc.RunID, tc.Role), in.Dir)
	if err != nil {
		return Fail(err.Error()), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Fail(fmt.Sprintf("bash: create workdir: %v", err)), nil
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "bash", "-c", in.Command)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	out := truncate(stdout.String(), maxOutputBytes)
	errOut := truncate(stderr.String(), maxOutputBytes)

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		return Success(map[string]any{"stdout": out, "stderr": errOut, "exit_code": 0}), nil
	case errors.As(runErr, &exitErr):
		return Fail(fmt.Sprintf("command failed with exit code %d:\n%s\n%s", exitErr.ExitCode(), errOut, out)), nil
	default:
		return Fail(fmt.Sprintf("bash spawn error: %v", runErr)), nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + truncatedMarker
}
