package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

// InsertOutbound reserves a (run_id, payload_sha256) slot. Only the caller
// that gets true may deliver the message.
func (db *DB) InsertOutbound(ctx context.Context, msg model.OutboundMessage) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO outbound_messages (id, run_id, chat_id, payload, payload_sha256, status, send_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id, payload_sha256) DO NOTHING`,
		msg.ID, msg.RunID, msg.ChatID, msg.Payload, msg.PayloadSHA256,
		string(msg.Status), msg.ExternalSendID, msg.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, fmt.Errorf("storage: run %s: %w", msg.RunID, ErrNotFound)
		}
		return false, fmt.Errorf("storage: insert outbound: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateOutboundStatus records the delivery outcome.
func (db *DB) UpdateOutboundStatus(ctx context.Context, id uuid.UUID, status model.OutboundStatus, sendID *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbound_messages SET status = $1, send_id = COALESCE($2, send_id) WHERE id = $3`,
		string(status), sendID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update outbound status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: outbound %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListOutbound returns a run's outbound messages in creation order.
func (db *DB) ListOutbound(ctx context.Context, runID uuid.UUID) ([]model.OutboundMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, chat_id, payload, payload_sha256, status, send_id, created_at
		 FROM outbound_messages WHERE run_id = $1 ORDER BY created_at ASC, id ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list outbound: %w", err)
	}
	defer rows.Close()

	msgs := []model.OutboundMessage{}
	for rows.Next() {
		var m model.OutboundMessage
		if err := rows.Scan(&m.ID, &m.RunID, &m.ChatID, &m.Payload, &m.PayloadSHA256,
			&m.Status, &m.ExternalSendID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan outbound: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
