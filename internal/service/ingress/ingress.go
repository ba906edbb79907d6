// Package ingress accepts inbound chat messages exactly once.
//
// The accept phase is a single storage transaction that inserts the run and
// the inbound event together; the UNIQUE(chat_id, message_id) index decides
// which delivery wins, so concurrent redeliveries of one message create one
// run between them. Processing happens afterwards on a tracked goroutine so
// the caller (usually a webhook) can acknowledge immediately.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/service/ledger"
	"github.com/ashita-ai/tsuzuki/internal/storage"
	"github.com/ashita-ai/tsuzuki/internal/telemetry"
)

var (
	// ErrInvalidMessage is returned for messages missing a dedup key.
	ErrInvalidMessage = errors.New("ingress: invalid message")

	// ErrDraining is returned once Drain has been called.
	ErrDraining = errors.New("ingress: draining")
)

// Processor handles an accepted message. It runs at most once per
// (chat_id, message_id).
type Processor interface {
	Process(ctx context.Context, run model.Run, msg model.InboundMessage) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, run model.Run, msg model.InboundMessage) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, run model.Run, msg model.InboundMessage) error {
	return f(ctx, run, msg)
}

// Service deduplicates and dispatches inbound messages.
type Service struct {
	store     storage.Store
	ledger    *ledger.Ledger
	processor Processor
	validate  *validator.Validate
	logger    *slog.Logger

	// base outlives the request that delivered the message; cancel aborts
	// in-flight processing when Drain runs out of time.
	base     context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	draining atomic.Bool
	inFlight atomic.Int64

	accepted   metric.Int64Counter
	duplicates metric.Int64Counter
	failures   metric.Int64Counter
}

// New creates an ingress Service.
func New(store storage.Store, l *ledger.Ledger, p Processor, logger *slog.Logger) *Service {
	base, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:     store,
		ledger:    l,
		processor: p,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		base:      base,
		cancel:    cancel,
	}
	s.registerMetrics()
	return s
}

// HandleIncomingMessage accepts msg and returns without waiting for it to be
// processed. A duplicate delivery returns nil and has no effect. Errors are
// only returned for invalid messages and storage failures during accept.
func (s *Service) HandleIncomingMessage(ctx context.Context, msg model.InboundMessage) error {
	if s.draining.Load() {
		return ErrDraining
	}
	if err := s.validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = storage.Now()
	}

	run := ledger.NewRun(msg.ChatID)
	ev := model.InboundEvent{
		ID:        uuid.Must(uuid.NewV7()),
		MessageID: msg.MessageID,
		ChatID:    msg.ChatID,
		Status:    model.InboundStatusPending,
		RunID:     &run.ID,
		Timestamp: msg.Timestamp.UTC(),
	}

	ok, err := s.store.AcceptInbound(ctx, ev, run)
	if err != nil {
		return fmt.Errorf("ingress: accept %s/%s: %w", msg.ChatID, msg.MessageID, err)
	}
	if !ok {
		s.duplicates.Add(ctx, 1)
		s.logger.Debug("ingress: duplicate message ignored", "chat_id", msg.ChatID, "message_id", msg.MessageID)
		return nil
	}
	s.accepted.Add(ctx, 1)
	s.logger.Info("ingress: message accepted", "chat_id", msg.ChatID, "message_id", msg.MessageID, "run_id", run.ID)

	s.wg.Add(1)
	s.inFlight.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)
		s.process(ev, run, msg)
	}()
	return nil
}

func (s *Service) process(ev model.InboundEvent, run model.Run, msg model.InboundMessage) {
	ctx := s.base
	err := s.safeProcess(ctx, run, msg)
	if err == nil {
		if uerr := s.store.UpdateInboundStatus(ctx, ev.ID, model.InboundStatusProcessed); uerr != nil {
			s.logger.Error("ingress: mark processed", "run_id", run.ID, "error", uerr)
		}
		return
	}

	s.failures.Add(ctx, 1)
	s.logger.Error("ingress: processing failed", "run_id", run.ID, "chat_id", msg.ChatID, "message_id", msg.MessageID, "error", err)
	if uerr := s.store.UpdateInboundStatus(ctx, ev.ID, model.InboundStatusFailed); uerr != nil {
		s.logger.Error("ingress: mark inbound failed", "run_id", run.ID, "error", uerr)
	}
	if uerr := s.ledger.UpdateRunState(ctx, run.ID, model.RunStateFailed); uerr != nil && !errors.Is(uerr, ledger.ErrInvalidTransition) {
		s.logger.Error("ingress: mark run failed", "run_id", run.ID, "error", uerr)
	}
}

// safeProcess converts a processor panic into an error so one bad message
// cannot take the process down.
func (s *Service) safeProcess(ctx context.Context, run model.Run, msg model.InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingress: processor panic: %v", r)
		}
	}()
	return s.processor.Process(ctx, run, msg)
}

// InFlight returns the number of messages currently being processed.
func (s *Service) InFlight() int64 { return s.inFlight.Load() }

// Drain stops accepting messages and waits for in-flight processing. If ctx
// expires first, in-flight processors are cancelled and Drain returns
// ctx.Err() without waiting further.
func (s *Service) Drain(ctx context.Context) error {
	s.draining.Store(true)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		s.logger.Warn("ingress: drain timed out", "in_flight", s.inFlight.Load())
		return ctx.Err()
	}
}

func (s *Service) registerMetrics() {
	meter := telemetry.Meter("tsuzuki/ingress")

	s.accepted, _ = meter.Int64Counter("tsuzuki.ingress.accepted",
		metric.WithDescription("Inbound messages accepted for processing"))
	s.duplicates, _ = meter.Int64Counter("tsuzuki.ingress.duplicates",
		metric.WithDescription("Inbound redeliveries ignored by deduplication"))
	s.failures, _ = meter.Int64Counter("tsuzuki.ingress.failed",
		metric.WithDescription("Accepted messages whose processing failed"))
	_, _ = meter.Int64ObservableGauge("tsuzuki.ingress.in_flight",
		metric.WithDescription("Messages currently being processed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(s.inFlight.Load())
			return nil
		}),
	)
}
