// Package checkpoint persists run state snapshots.
//
// A snapshot is a JSON blob written atomically under the data directory at
// runs/<run_id>/snapshots/<step_id>-<checkpoint_id>.json. The blob is on
// disk before its row is inserted, so a row never points at a missing file
// unless the file was removed out of band.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/storage"
)

// ErrCorruptSnapshot is returned when a checkpoint's blob is missing,
// unreadable, not valid JSON, or its pointer escapes the data directory.
var ErrCorruptSnapshot = errors.New("checkpoint: corrupt snapshot")

// Store saves and loads checkpoints.
type Store struct {
	store  storage.Store
	root   string
	logger *slog.Logger
}

// New creates a checkpoint Store. root is the data directory; snapshot
// pointers are recorded relative to it.
func New(store storage.Store, root string, logger *slog.Logger) *Store {
	return &Store{store: store, root: root, logger: logger}
}

// SnapshotPointer returns the pointer for a checkpoint's blob, relative to
// the data directory. Pointers always use forward slashes.
func SnapshotPointer(runID, stepID, checkpointID uuid.UUID) string {
	return path.Join("runs", runID.String(), "snapshots", fmt.Sprintf("%s-%s.json", stepID, checkpointID))
}

// SaveCheckpoint snapshots state for the given step. The step must belong
// to the run.
func (s *Store) SaveCheckpoint(ctx context.Context, runID, stepID uuid.UUID, state any) (model.Checkpoint, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: marshal state: %w", err)
	}

	cp := model.Checkpoint{
		ID:        uuid.Must(uuid.NewV7()),
		RunID:     runID,
		StepID:    stepID,
		CreatedAt: storage.Now(),
	}
	cp.SnapshotPointer = SnapshotPointer(runID, stepID, cp.ID)

	full := filepath.Join(s.root, filepath.FromSlash(cp.SnapshotPointer))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: create snapshot dir: %w", err)
	}
	if err := renameio.WriteFile(full, data, 0o644); err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: write snapshot: %w", err)
	}

	if err := s.store.InsertCheckpoint(ctx, cp); err != nil {
		// The blob is orphaned without its row. Remove it so the snapshots
		// directory only holds referenced state.
		if rmErr := os.Remove(full); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("checkpoint: remove orphaned snapshot", "path", full, "error", rmErr)
		}
		return model.Checkpoint{}, fmt.Errorf("checkpoint: insert: %w", err)
	}

	s.logger.Debug("checkpoint: saved", "run_id", runID, "step_id", stepID, "checkpoint_id", cp.ID)
	return cp, nil
}

// GetLatestCheckpoint returns the run's most recent checkpoint, or nil if it
// has none.
func (s *Store) GetLatestCheckpoint(ctx context.Context, runID uuid.UUID) (*model.Checkpoint, error) {
	cp, err := s.store.LatestCheckpoint(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: latest: %w", err)
	}
	return &cp, nil
}

// LoadStateData reads the raw JSON snapshot a checkpoint points to.
func (s *Store) LoadStateData(_ context.Context, cp model.Checkpoint) (json.RawMessage, error) {
	full, err := s.resolve(cp.SnapshotPointer)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("%w: checkpoint %s: %w", ErrCorruptSnapshot, cp.ID, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: checkpoint %s: invalid JSON", ErrCorruptSnapshot, cp.ID)
	}
	return json.RawMessage(data), nil
}

// LoadStateInto decodes a checkpoint's snapshot into dst.
func (s *Store) LoadStateInto(ctx context.Context, cp model.Checkpoint, dst any) error {
	data, err := s.LoadStateData(ctx, cp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: checkpoint %s: %w", ErrCorruptSnapshot, cp.ID, err)
	}
	return nil
}

func (s *Store) resolve(pointer string) (string, error) {
	if pointer == "" || path.IsAbs(pointer) || filepath.IsAbs(pointer) {
		return "", fmt.Errorf("%w: pointer %q is not relative", ErrCorruptSnapshot, pointer)
	}
	clean := path.Clean(pointer)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: pointer %q escapes the data directory", ErrCorruptSnapshot, pointer)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}
