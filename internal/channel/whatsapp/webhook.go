package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/tsuzuki/internal/model"
)

// SignatureHeader carries the HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks a "sha256=<hex>" header against body using the app
// secret.
func VerifySignature(secret string, body []byte, header string) bool {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the header value VerifySignature accepts. Used by tests and
// local tooling that replay webhooks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook extracts text messages from a webhook body. Status callbacks
// and non-text messages are skipped. The chat id is the sender's phone
// number, which is also where replies go.
func ParseWebhook(body []byte) ([]model.InboundMessage, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("whatsapp: decode webhook: %w", err)
	}

	var out []model.InboundMessage
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			names := make(map[string]string, len(ch.Value.Contacts))
			for _, c := range ch.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range ch.Value.Messages {
				if m.Type != "text" || m.ID == "" || m.From == "" {
					continue
				}
				msg := model.InboundMessage{
					MessageID:  m.ID,
					ChatID:     m.From,
					Text:       m.Text.Body,
					SenderName: names[m.From],
				}
				if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
					msg.Timestamp = time.Unix(secs, 0).UTC()
				}
				out = append(out, msg)
			}
		}
	}
	return out, nil
}
