package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/storage"
)

// InsertOutbound reserves a (run_id, payload_sha256) slot.
func (d *DB) InsertOutbound(ctx context.Context, msg model.OutboundMessage) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO outbound_messages (id, run_id, chat_id, payload, payload_sha256, status, send_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, payload_sha256) DO NOTHING`,
		msg.ID.String(), msg.RunID.String(), msg.ChatID, msg.Payload, msg.PayloadSHA256,
		string(msg.Status), msg.ExternalSendID, micros(msg.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, fmt.Errorf("storage: run %s: %w", msg.RunID, storage.ErrNotFound)
		}
		return false, fmt.Errorf("storage: insert outbound: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: insert outbound: %w", err)
	}
	return n == 1, nil
}

// UpdateOutboundStatus records the delivery outcome.
func (d *DB) UpdateOutboundStatus(ctx context.Context, id uuid.UUID, status model.OutboundStatus, sendID *string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE outbound_messages SET status = ?, send_id = COALESCE(?, send_id) WHERE id = ?`,
		string(status), sendID, id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: update outbound status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: outbound %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListOutbound returns a run's outbound messages in creation order.
func (d *DB) ListOutbound(ctx context.Context, runID uuid.UUID) ([]model.OutboundMessage, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, run_id, chat_id, payload, payload_sha256, status, send_id, created_at
		 FROM outbound_messages WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list outbound: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []model.OutboundMessage{}
	for rows.Next() {
		var (
			m       model.OutboundMessage
			sendID  sql.NullString
			created int64
		)
		if err := rows.Scan(&m.ID, &m.RunID, &m.ChatID, &m.Payload, &m.PayloadSHA256,
			&m.Status, &sendID, &created); err != nil {
			return nil, fmt.Errorf("storage: scan outbound: %w", err)
		}
		if sendID.Valid {
			m.ExternalSendID = &sendID.String
		}
		m.CreatedAt = fromMicros(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
