// Package egress sends notifications at most once per run and payload.
//
// Each notification is encoded to a canonical JSON payload and keyed by the
// SHA-256 of that payload within its run. The first caller to insert the
// outbound row owns delivery; every later caller with the same key returns
// without sending, whatever the first attempt's outcome was.
package egress

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/storage"
	"github.com/ashita-ai/tsuzuki/internal/telemetry"
)

// ErrDeliveryFailed wraps the channel error when a send fails. The outbound
// row stays failed and the same payload will not be retried for the run.
var ErrDeliveryFailed = errors.New("egress: delivery failed")

// Channel delivers a text message to a chat and returns the provider's
// message id.
type Channel interface {
	Send(ctx context.Context, chatID, text string) (sendID string, err error)
}

// LogChannel is a Channel that only logs. It is used when no messaging
// provider is configured.
type LogChannel struct {
	Logger *slog.Logger
}

// Send logs the message and returns a synthetic send id.
func (c LogChannel) Send(_ context.Context, chatID, text string) (string, error) {
	id := "log-" + uuid.NewString()
	c.Logger.Info("egress: message (log channel)", "chat_id", chatID, "send_id", id, "text", text)
	return id, nil
}

// Service deduplicates outbound notifications.
type Service struct {
	store   storage.Store
	channel Channel
	logger  *slog.Logger

	sent       metric.Int64Counter
	suppressed metric.Int64Counter
	failed     metric.Int64Counter
}

// New creates an egress Service.
func New(store storage.Store, ch Channel, logger *slog.Logger) *Service {
	meter := telemetry.Meter("tsuzuki/egress")
	s := &Service{store: store, channel: ch, logger: logger}
	s.sent, _ = meter.Int64Counter("tsuzuki.egress.sent",
		metric.WithDescription("Notifications delivered"))
	s.suppressed, _ = meter.Int64Counter("tsuzuki.egress.suppressed",
		metric.WithDescription("Notifications skipped as duplicates"))
	s.failed, _ = meter.Int64Counter("tsuzuki.egress.failed",
		metric.WithDescription("Notifications whose delivery failed"))
	return s
}

// textPayload is the canonical notification body. Field order matches
// lexical key order so encoding/json emits sorted keys.
type textPayload struct {
	Text textBody `json:"text"`
	Type string   `json:"type"`
}

type textBody struct {
	Body string `json:"body"`
}

// CanonicalPayload encodes text as {"text":{"body":...},"type":"text"} with
// sorted keys, no insignificant whitespace and no HTML escaping.
func CanonicalPayload(text string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(textPayload{Type: "text", Text: textBody{Body: text}}); err != nil {
		return "", fmt.Errorf("egress: encode payload: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// PayloadDigest returns the hex SHA-256 of a canonical payload.
func PayloadDigest(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// SendMessage delivers text to chatID unless the same text was already
// queued for runID. Duplicates return nil.
func (s *Service) SendMessage(ctx context.Context, runID uuid.UUID, chatID, text string) error {
	payload, err := CanonicalPayload(text)
	if err != nil {
		return err
	}
	msg := model.OutboundMessage{
		ID:            uuid.Must(uuid.NewV7()),
		RunID:         runID,
		ChatID:        chatID,
		Payload:       payload,
		PayloadSHA256: PayloadDigest(payload),
		Status:        model.OutboundStatusQueued,
		CreatedAt:     storage.Now(),
	}

	inserted, err := s.store.InsertOutbound(ctx, msg)
	if err != nil {
		return fmt.Errorf("egress: reserve: %w", err)
	}
	if !inserted {
		s.suppressed.Add(ctx, 1)
		s.logger.Debug("egress: duplicate notification suppressed", "run_id", runID, "sha256", msg.PayloadSHA256)
		return nil
	}

	sendID, sendErr := s.channel.Send(ctx, chatID, text)
	if sendErr != nil {
		s.failed.Add(ctx, 1)
		if err := s.store.UpdateOutboundStatus(ctx, msg.ID, model.OutboundStatusFailed, nil); err != nil {
			s.logger.Error("egress: mark failed", "run_id", runID, "outbound_id", msg.ID, "error", err)
		}
		s.logger.Warn("egress: delivery failed", "run_id", runID, "chat_id", chatID, "error", sendErr)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, sendErr)
	}

	var idPtr *string
	if sendID != "" {
		idPtr = &sendID
	}
	if err := s.store.UpdateOutboundStatus(ctx, msg.ID, model.OutboundStatusSent, idPtr); err != nil {
		// Delivered but not recorded. The row stays queued, which still
		// blocks a resend.
		s.logger.Error("egress: mark sent", "run_id", runID, "outbound_id", msg.ID, "error", err)
	}
	s.sent.Add(ctx, 1)
	s.logger.Debug("egress: sent", "run_id", runID, "chat_id", chatID, "send_id", sendID)
	return nil
}
