package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/storage"
)

// NotificationSource is the LISTEN/NOTIFY side of the Postgres store.
type NotificationSource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out run state notifications to SSE subscribers.
// It runs a background goroutine that waits for notifications in a loop
// and sends each payload to all active subscriber channels.
type Broker struct {
	src    NotificationSource
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(src NotificationSource, logger *slog.Logger) *Broker {
	return &Broker{
		src:         src,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start listens on the run channel. It blocks, so call it in a goroutine.
// Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.src.Listen(ctx, storage.ChannelRuns); err != nil {
		b.logger.Error("broker: listen runs", "error", err)
		return
	}
	b.logger.Info("broker: listening for run events", "channel", storage.ChannelRuns)

	for {
		channel, payload, err := b.src.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.broadcast(formatSSE(channel, payload))
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. A subscriber with a full
// buffer misses the event.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}

// HandleRunEvents handles GET /v1/runs/events (SSE).
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"run event stream not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived stream: lift the server's write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
