// Package ledger is the canonical state machine for runs and their steps.
//
// Every mutation is a single durable write, so a crash between two calls
// loses at most the call in flight. The ledger does not serialize callers:
// writers for the same run are expected to be issued sequentially, and the
// compare-and-set on run state turns an accidental race into an error
// rather than a lost update.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/storage"
)

var (
	// ErrNotFound is returned for unknown runs and steps. It is not transient.
	ErrNotFound = errors.New("ledger: not found")

	// ErrInvalidTransition is returned when a state change would move a run
	// backwards outside of Reactivate.
	ErrInvalidTransition = errors.New("ledger: invalid state transition")
)

// forward lists the states each run state may advance to.
var forward = map[model.RunState][]model.RunState{
	model.RunStateActive:    {model.RunStateBlocked, model.RunStateFailed, model.RunStateCompleted},
	model.RunStateBlocked:   {model.RunStateFailed, model.RunStateCompleted},
	model.RunStateFailed:    nil,
	model.RunStateCompleted: nil,
}

// CanTransition reports whether a run may move from one state to another
// through UpdateRunState. Same-state updates are allowed and are no-ops.
func CanTransition(from, to model.RunState) bool {
	if from == to {
		return true
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Ledger owns run and step state.
type Ledger struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates a Ledger over the given store.
func New(store storage.Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// CreateRun starts a new active run for a thread.
func (l *Ledger) CreateRun(ctx context.Context, threadKey string) (model.Run, error) {
	if strings.TrimSpace(threadKey) == "" {
		return model.Run{}, errors.New("ledger: thread key is required")
	}
	run := NewRun(threadKey)
	if err := l.store.InsertRun(ctx, run); err != nil {
		return model.Run{}, fmt.Errorf("ledger: create run: %w", err)
	}
	l.logger.Debug("ledger: run created", "run_id", run.ID, "thread_key", threadKey)
	return run, nil
}

// NewRun builds an unsaved active run. Exposed for callers that insert the
// run as part of a larger transaction (ingress).
func NewRun(threadKey string) model.Run {
	now := storage.Now()
	return model.Run{
		ID:        uuid.Must(uuid.NewV7()),
		ThreadKey: threadKey,
		State:     model.RunStateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LoadRun returns the run or an error wrapping ErrNotFound.
func (l *Ledger) LoadRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := l.store.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, wrapNotFound("load run", err)
	}
	return run, nil
}

// UpdateRunState advances a run. Moving backwards fails with
// ErrInvalidTransition; use Reactivate to return a run to active.
func (l *Ledger) UpdateRunState(ctx context.Context, id uuid.UUID, next model.RunState) error {
	if !next.Valid() {
		return fmt.Errorf("ledger: unknown run state %q", next)
	}
	run, err := l.LoadRun(ctx, id)
	if err != nil {
		return err
	}
	if run.State == next {
		return nil
	}
	if !CanTransition(run.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, run.State, next)
	}
	if err := l.store.UpdateRunState(ctx, id, run.State, next, storage.Now()); err != nil {
		return wrapNotFound("update run state", err)
	}
	l.logger.Info("ledger: run state changed", "run_id", id, "from", run.State, "to", next)
	return nil
}

// Reactivate returns a blocked, failed or completed run to active. It is the
// only backwards transition and is idempotent: an active run is returned
// unchanged with changed=false.
func (l *Ledger) Reactivate(ctx context.Context, id uuid.UUID) (run model.Run, changed bool, err error) {
	run, err = l.LoadRun(ctx, id)
	if err != nil {
		return model.Run{}, false, err
	}
	if run.State == model.RunStateActive {
		return run, false, nil
	}
	at := storage.Now()
	if err := l.store.UpdateRunState(ctx, id, run.State, model.RunStateActive, at); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			// Someone else reactivated or advanced it; report what is there now.
			current, lerr := l.LoadRun(ctx, id)
			if lerr == nil && current.State == model.RunStateActive {
				return current, false, nil
			}
		}
		return model.Run{}, false, wrapNotFound("reactivate run", err)
	}
	l.logger.Info("ledger: run reactivated", "run_id", id, "from", run.State)
	run.State = model.RunStateActive
	run.UpdatedAt = at
	return run, true, nil
}

// AppendStep adds a pending step to a run.
func (l *Ledger) AppendStep(ctx context.Context, runID uuid.UUID, label string) (model.Step, error) {
	if strings.TrimSpace(label) == "" {
		return model.Step{}, errors.New("ledger: step label is required")
	}
	now := storage.Now()
	step := model.Step{
		ID:        uuid.Must(uuid.NewV7()),
		RunID:     runID,
		Label:     label,
		Status:    model.StepStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.InsertStep(ctx, step); err != nil {
		return model.Step{}, wrapNotFound("append step", err)
	}
	return step, nil
}

// UpdateStepStatus sets a step's status.
func (l *Ledger) UpdateStepStatus(ctx context.Context, stepID uuid.UUID, status model.StepStatus) error {
	if !status.Valid() {
		return fmt.Errorf("ledger: unknown step status %q", status)
	}
	if err := l.store.UpdateStepStatus(ctx, stepID, status, storage.Now()); err != nil {
		return wrapNotFound("update step status", err)
	}
	return nil
}

// GetStep returns a single step.
func (l *Ledger) GetStep(ctx context.Context, stepID uuid.UUID) (model.Step, error) {
	step, err := l.store.GetStep(ctx, stepID)
	if err != nil {
		return model.Step{}, wrapNotFound("get step", err)
	}
	return step, nil
}

// ListSteps returns a run's steps in creation order.
func (l *Ledger) ListSteps(ctx context.Context, runID uuid.UUID) ([]model.Step, error) {
	steps, err := l.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list steps: %w", err)
	}
	return steps, nil
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("ledger: %s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("ledger: %s: %w", op, err)
}
