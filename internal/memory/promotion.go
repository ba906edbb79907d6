package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

var (
	// ErrFounderOnly is returned when a role other than founder writes to
	// the global scope.
	ErrFounderOnly = errors.New("memory: only the founder may change global memory")

	// ErrNotFound is returned when the file to promote does not exist.
	ErrNotFound = errors.New("memory: file not found")

	// ErrInvalidName is returned for decision and document names that are
	// not a plain file name.
	ErrInvalidName = errors.New("memory: invalid file name")
)

// GlobalDocs are the global documents UpdateGlobalDoc may replace.
var GlobalDocs = []string{ArchitectureDoc, RoadmapDoc, VisionDoc}

// PromoteDecision copies a file from a run's artifact scope to
// decisions/<name> in the global scope and returns the global relative
// path. An existing decision with the same name is replaced.
func (l *Layout) PromoteDecision(role model.Role, runID uuid.UUID, source, name string) (string, error) {
	if role != model.RoleFounder {
		return "", ErrFounderOnly
	}
	if err := plainName(name); err != nil {
		return "", err
	}
	src, err := l.Resolve(Run(runID), source)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(src)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: run %s: %s", ErrNotFound, runID, source)
	}
	if err != nil {
		return "", fmt.Errorf("memory: promote %s: %w", source, err)
	}
	rel := DecisionsDir + "/" + name
	if err := l.writeGlobal(rel, data); err != nil {
		return "", err
	}
	return rel, nil
}

// UpdateGlobalDoc replaces one of GlobalDocs.
func (l *Layout) UpdateGlobalDoc(role model.Role, name, content string) error {
	if role != model.RoleFounder {
		return ErrFounderOnly
	}
	if !slices.Contains(GlobalDocs, name) {
		return fmt.Errorf("%w: %q is not a global document", ErrInvalidName, name)
	}
	return l.writeGlobal(name, []byte(content))
}

// writeGlobal bypasses the read-only rule of Write. Callers check the role.
func (l *Layout) writeGlobal(rel string, data []byte) error {
	full, err := l.Resolve(Global(), filepath.FromSlash(rel))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("memory: create dir for %s: %w", rel, err)
	}
	if err := renameio.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("memory: write %s: %w", rel, err)
	}
	return nil
}

func plainName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || filepath.IsAbs(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
