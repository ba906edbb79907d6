package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

// ChannelRuns is the LISTEN/NOTIFY channel carrying run state changes.
const ChannelRuns = "tsuzuki_runs"

// RunEvent is the JSON payload published on ChannelRuns.
type RunEvent struct {
	RunID uuid.UUID      `json:"run_id"`
	From  model.RunState `json:"from"`
	To    model.RunState `json:"to"`
	At    time.Time      `json:"at"`
}

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// notifyRunEvent publishes a run transition. Failures are logged, never
// returned: the state change itself is already durable.
func (db *DB) notifyRunEvent(ctx context.Context, ev RunEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		db.logger.Warn("storage: marshal run event", "error", err)
		return
	}
	if err := db.Notify(ctx, ChannelRuns, string(payload)); err != nil {
		db.logger.Warn("storage: run event notify failed", "run_id", ev.RunID, "error", err)
	}
}
