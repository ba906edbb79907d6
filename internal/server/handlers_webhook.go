package server

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/ashita-ai/tsuzuki/internal/channel/whatsapp"
	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/service/ingress"
)

// HandleWebhookVerify handles GET /webhook, the WhatsApp subscription
// handshake.
func (h *Handlers) HandleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("hub.verify_token")
	if h.verifyToken == "" || q.Get("hub.mode") != "subscribe" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) != 1 {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	h.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// HandleWebhookEvent handles POST /webhook. Each text message is handed to
// ingress, which drops redeliveries. Malformed individual messages are
// skipped so one bad entry does not make the platform redeliver the batch.
func (h *Handlers) HandleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.maxRequestBodyBytes)
	if err != nil {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
		return
	}

	if h.appSecret != "" && !whatsapp.VerifySignature(h.appSecret, body, r.Header.Get(whatsapp.SignatureHeader)) {
		h.logger.Warn("webhook: invalid signature", "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid signature")
		return
	}

	msgs, err := whatsapp.ParseWebhook(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed webhook payload")
		return
	}

	for _, msg := range msgs {
		err := h.ingress.HandleIncomingMessage(r.Context(), msg)
		switch {
		case err == nil:
		case errors.Is(err, ingress.ErrInvalidMessage):
			h.logger.Warn("webhook: skipping invalid message", "message_id", msg.MessageID, "error", err)
		case errors.Is(err, ingress.ErrDraining):
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "server is shutting down")
			return
		default:
			h.writeInternalError(w, r, "failed to accept message", err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))
}
