package model

import (
	"time"

	"github.com/google/uuid"
)

// InboundStatus tracks processing of a deduplicated inbound event.
type InboundStatus string

const (
	InboundStatusPending   InboundStatus = "pending"
	InboundStatusProcessed InboundStatus = "processed"
	InboundStatusFailed    InboundStatus = "failed"
)

// InboundMessage is the event handed over by the ingress collaborator
// (the webhook, the CLI, or a test).
type InboundMessage struct {
	MessageID  string         `json:"message_id" validate:"required,max=256"`
	ChatID     string         `json:"chat_id" validate:"required,max=256"`
	Text       string         `json:"text"`
	Timestamp  time.Time      `json:"timestamp"`
	SenderName string         `json:"sender_name,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// InboundEvent is the persisted dedup record for an inbound message.
// (ChatID, MessageID) is globally unique.
type InboundEvent struct {
	ID        uuid.UUID     `json:"id"`
	MessageID string        `json:"message_id"`
	ChatID    string        `json:"chat_id"`
	Status    InboundStatus `json:"status"`
	RunID     *uuid.UUID    `json:"run_id,omitempty"`
	Timestamp time.Time     `json:"ts"`
}

// OutboundStatus tracks delivery of an outbound notification.
type OutboundStatus string

const (
	OutboundStatusQueued OutboundStatus = "queued"
	OutboundStatusSent   OutboundStatus = "sent"
	OutboundStatusFailed OutboundStatus = "failed"
)

// OutboundMessage is the persisted dedup record for a notification.
// (RunID, PayloadSHA256) is unique.
type OutboundMessage struct {
	ID             uuid.UUID      `json:"id"`
	RunID          uuid.UUID      `json:"run_id"`
	ChatID         string         `json:"chat_id"`
	Payload        string         `json:"payload"`
	PayloadSHA256  string         `json:"payload_sha256"`
	Status         OutboundStatus `json:"status"`
	ExternalSendID *string        `json:"send_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
