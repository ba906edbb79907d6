// Package memory maps memory scopes to directories and keeps every access
// inside its scope.
//
// Layout under the data directory:
//
//	runs/<run_id>/artifacts/        run scope
//	runs/<run_id>/scratch/<role>/   scratch scope
//	runs/<run_id>/snapshots/        checkpoint blobs (owned by the checkpoint store)
//
// The global scope lives in its own directory. Write and Append refuse it;
// only the founder changes it, through PromoteDecision and UpdateGlobalDoc.
// Retrieve assembles a role's context pack from all three scopes.
package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

var (
	// ErrPathEscape is returned when a relative path resolves outside its
	// scope.
	ErrPathEscape = errors.New("memory: path escapes scope")

	// ErrReadOnly is returned for writes to the global scope.
	ErrReadOnly = errors.New("memory: global scope is read-only")
)

// ScopeKind identifies a memory scope.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeRun     ScopeKind = "run"
	ScopeScratch ScopeKind = "scratch"
)

// Scope is a memory region. RunID is set for run and scratch scopes, Role
// only for scratch.
type Scope struct {
	Kind  ScopeKind
	RunID uuid.UUID
	Role  model.Role
}

// Global returns the global scope.
func Global() Scope { return Scope{Kind: ScopeGlobal} }

// Run returns the artifact scope of a run.
func Run(runID uuid.UUID) Scope { return Scope{Kind: ScopeRun, RunID: runID} }

// Scratch returns a role's private working area within a run.
func Scratch(runID uuid.UUID, role model.Role) Scope {
	return Scope{Kind: ScopeScratch, RunID: runID, Role: role}
}

// Layout resolves scopes to directories.
type Layout struct {
	dataDir   string
	globalDir string
}

// NewLayout creates a Layout. Both directories are made absolute so
// containment checks compare like with like.
func NewLayout(dataDir, globalDir string) (*Layout, error) {
	d, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("memory: data dir: %w", err)
	}
	g, err := filepath.Abs(globalDir)
	if err != nil {
		return nil, fmt.Errorf("memory: global dir: %w", err)
	}
	return &Layout{dataDir: d, globalDir: g}, nil
}

// DataDir returns the absolute data directory.
func (l *Layout) DataDir() string { return l.dataDir }

// RunDir returns runs/<run_id> under the data directory.
func (l *Layout) RunDir(runID uuid.UUID) string {
	return filepath.Join(l.dataDir, "runs", runID.String())
}

// Base returns the directory backing a scope.
func (l *Layout) Base(s Scope) (string, error) {
	switch s.Kind {
	case ScopeGlobal:
		return l.globalDir, nil
	case ScopeRun:
		if s.RunID == uuid.Nil {
			return "", errors.New("memory: run scope needs a run id")
		}
		return filepath.Join(l.RunDir(s.RunID), "artifacts"), nil
	case ScopeScratch:
		if s.RunID == uuid.Nil {
			return "", errors.New("memory: scratch scope needs a run id")
		}
		if _, err := model.ParseRole(string(s.Role)); err != nil {
			return "", fmt.Errorf("memory: scratch scope: %w", err)
		}
		return filepath.Join(l.RunDir(s.RunID), "scratch", string(s.Role)), nil
	default:
		return "", fmt.Errorf("memory: unknown scope %q", s.Kind)
	}
}

// Resolve joins rel onto the scope's base and rejects results outside it.
// Absolute paths are rejected too.
func (l *Layout) Resolve(s Scope, rel string) (string, error) {
	base, err := l.Base(s)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathEscape, rel)
	}
	full := filepath.Join(base, rel)
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return full, nil
}

// EnsureRunFolders creates the artifact directory and one scratch
// directory per role.
func (l *Layout) EnsureRunFolders(runID uuid.UUID) error {
	dirs := []string{filepath.Join(l.RunDir(runID), "artifacts")}
	for _, r := range model.Roles {
		dirs = append(dirs, filepath.Join(l.RunDir(runID), "scratch", string(r)))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("memory: create %s: %w", d, err)
		}
	}
	return nil
}

// Read returns a file's contents. A missing file reads as empty.
func (l *Layout) Read(s Scope, rel string) (string, error) {
	full, err := l.Resolve(s, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("memory: read %s: %w", rel, err)
	}
	return string(data), nil
}

// Write replaces a file, creating parent directories.
func (l *Layout) Write(s Scope, rel, content string) error {
	full, err := l.writable(s, rel)
	if err != nil {
		return err
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("memory: write %s: %w", rel, err)
	}
	return nil
}

// Append adds content to the end of a file, creating it if needed.
func (l *Layout) Append(s Scope, rel, content string) error {
	full, err := l.writable(s, rel)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: append %s: %w", rel, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("memory: append %s: %w", rel, err)
	}
	return f.Close()
}

// List returns the sorted entry names of a directory. A missing directory
// lists as empty.
func (l *Layout) List(s Scope, rel string) ([]string, error) {
	full, err := l.Resolve(s, rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: list %s: %w", rel, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (l *Layout) writable(s Scope, rel string) (string, error) {
	if s.Kind == ScopeGlobal {
		return "", ErrReadOnly
	}
	full, err := l.Resolve(s, rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("memory: create dir for %s: %w", rel, err)
	}
	return full, nil
}
