package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/storage"
)

// AcceptInbound creates the run and the inbound event in one transaction.
// INSERT OR IGNORE against UNIQUE(chat_id, message_id) decides the winner;
// the loser rolls its run back.
func (d *DB) AcceptInbound(ctx context.Context, ev model.InboundEvent, run model.Run) (bool, error) {
	var accepted bool
	err := storage.WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		accepted = false
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin inbound tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := insertRun(ctx, tx, run); err != nil {
			return fmt.Errorf("storage: create run: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO inbound_events (id, message_id, chat_id, ts, status, run_id)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (chat_id, message_id) DO NOTHING`,
			ev.ID.String(), ev.MessageID, ev.ChatID, micros(ev.Timestamp), string(ev.Status), run.ID.String(),
		)
		if err != nil {
			return fmt.Errorf("storage: insert inbound event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit inbound tx: %w", err)
		}
		accepted = true
		return nil
	})
	return accepted, err
}

// GetInbound looks up an inbound event by its dedup key.
func (d *DB) GetInbound(ctx context.Context, chatID, messageID string) (model.InboundEvent, error) {
	var (
		ev    model.InboundEvent
		ts    int64
		runID uuid.NullUUID
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, message_id, chat_id, ts, status, run_id
		 FROM inbound_events WHERE chat_id = ? AND message_id = ?`, chatID, messageID,
	).Scan(&ev.ID, &ev.MessageID, &ev.ChatID, &ts, &ev.Status, &runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.InboundEvent{}, fmt.Errorf("storage: inbound %s/%s: %w", chatID, messageID, storage.ErrNotFound)
		}
		return model.InboundEvent{}, fmt.Errorf("storage: get inbound: %w", err)
	}
	ev.Timestamp = fromMicros(ts)
	if runID.Valid {
		ev.RunID = &runID.UUID
	}
	return ev, nil
}

// UpdateInboundStatus sets an inbound event's processing status.
func (d *DB) UpdateInboundStatus(ctx context.Context, id uuid.UUID, status model.InboundStatus) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE inbound_events SET status = ? WHERE id = ?`, string(status), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: update inbound status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: inbound %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
