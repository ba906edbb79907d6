// Package resume prepares an interrupted run for continuation.
package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/service/checkpoint"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
)

// ErrRunNotFound is returned when the run to resume does not exist.
var ErrRunNotFound = errors.New("resume: run not found")

// Prepared is everything a step executor needs to pick a run back up.
type Prepared struct {
	Run model.Run
	// Checkpoint is nil when the run never reached one.
	Checkpoint *model.Checkpoint
	// State is the checkpoint's snapshot, nil without a checkpoint.
	State json.RawMessage
	// WasCompleted reports that the run had already completed before this
	// resume reactivated it.
	WasCompleted bool
}

// Engine reactivates runs from their latest checkpoint.
type Engine struct {
	ledger      *ledger.Ledger
	checkpoints *checkpoint.Store
	logger      *slog.Logger
}

// New creates an Engine.
func New(l *ledger.Ledger, cps *checkpoint.Store, logger *slog.Logger) *Engine {
	return &Engine{ledger: l, checkpoints: cps, logger: logger}
}

// PrepareResume loads the run and its latest snapshot and makes the run
// active again. Calling it twice is harmless: the second call finds the run
// already active and returns the same checkpoint.
//
// The snapshot is loaded before the run is reactivated so a corrupt
// snapshot leaves the run in its previous state.
func (e *Engine) PrepareResume(ctx context.Context, runID uuid.UUID) (Prepared, error) {
	run, err := e.ledger.LoadRun(ctx, runID)
	if errors.Is(err, ledger.ErrNotFound) {
		return Prepared{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Prepared{}, fmt.Errorf("resume: %w", err)
	}

	p := Prepared{WasCompleted: run.State == model.RunStateCompleted}
	if p.WasCompleted {
		e.logger.Warn("resume: run already completed, resuming anyway", "run_id", runID)
	}

	p.Checkpoint, err = e.checkpoints.GetLatestCheckpoint(ctx, runID)
	if err != nil {
		return Prepared{}, fmt.Errorf("resume: %w", err)
	}
	if p.Checkpoint != nil {
		p.State, err = e.checkpoints.LoadStateData(ctx, *p.Checkpoint)
		if err != nil {
			return Prepared{}, fmt.Errorf("resume: %w", err)
		}
	}

	run, changed, err := e.ledger.Reactivate(ctx, runID)
	if err != nil {
		return Prepared{}, fmt.Errorf("resume: %w", err)
	}
	p.Run = run

	attrs := []any{"run_id", runID, "reactivated", changed}
	if p.Checkpoint != nil {
		attrs = append(attrs, "checkpoint_id", p.Checkpoint.ID, "step_id", p.Checkpoint.StepID)
	}
	e.logger.Info("resume: run prepared", attrs...)
	return p, nil
}
