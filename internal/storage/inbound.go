package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

// AcceptInbound is the ingress dedup point. In one transaction it creates
// the run and inserts the inbound event with ON CONFLICT DO NOTHING against
// UNIQUE(chat_id, message_id). A conflict rolls the run back, so concurrent
// deliveries of the same message produce exactly one run and one event.
func (db *DB) AcceptInbound(ctx context.Context, ev model.InboundEvent, run model.Run) (bool, error) {
	var accepted bool
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		accepted = false
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin inbound tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (id, thread_key, state, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			run.ID, run.ThreadKey, string(run.State), run.CreatedAt, run.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: create run: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO inbound_events (id, message_id, chat_id, ts, status, run_id)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (chat_id, message_id) DO NOTHING`,
			ev.ID, ev.MessageID, ev.ChatID, ev.Timestamp, string(ev.Status), run.ID,
		)
		if err != nil {
			return fmt.Errorf("storage: insert inbound event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit inbound tx: %w", err)
		}
		accepted = true
		return nil
	})
	return accepted, err
}

// GetInbound looks up an inbound event by its dedup key.
func (db *DB) GetInbound(ctx context.Context, chatID, messageID string) (model.InboundEvent, error) {
	var ev model.InboundEvent
	err := db.pool.QueryRow(ctx,
		`SELECT id, message_id, chat_id, ts, status, run_id
		 FROM inbound_events WHERE chat_id = $1 AND message_id = $2`, chatID, messageID,
	).Scan(&ev.ID, &ev.MessageID, &ev.ChatID, &ev.Timestamp, &ev.Status, &ev.RunID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.InboundEvent{}, fmt.Errorf("storage: inbound %s/%s: %w", chatID, messageID, ErrNotFound)
		}
		return model.InboundEvent{}, fmt.Errorf("storage: get inbound: %w", err)
	}
	return ev, nil
}

// UpdateInboundStatus sets an inbound event's processing status.
func (db *DB) UpdateInboundStatus(ctx context.Context, id uuid.UUID, status model.InboundStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE inbound_events SET status = $1 WHERE id = $2`, string(status), id,
	)
	if err != nil {
		return fmt.Errorf("storage: update inbound status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: inbound %s: %w", id, ErrNotFound)
	}
	return nil
}
