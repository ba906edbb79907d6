package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/PHONE/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.123"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", "PHONE")
	id, err := c.Send(context.Background(), "15551234567", "hello")
	require.NoError(t, err)
	assert.Equal(t, "wamid.123", id)
	assert.Equal(t, "whatsapp", got["messaging_product"])
	assert.Equal(t, "15551234567", got["to"])
	assert.Equal(t, "text", got["type"])
	assert.Equal(t, map[string]any{"body": "hello"}, got["text"])
}

func TestSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"bad token"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "bad", "PHONE").Send(context.Background(), "1", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "bad token")
}

func TestNewClientDefaultBase(t *testing.T) {
	assert.Equal(t, DefaultAPIBase, NewClient("", "t", "p").baseURL)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	sig := Sign("secret", body)
	assert.True(t, VerifySignature("secret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("secret", []byte(`{}`), sig))
	assert.False(t, VerifySignature("secret", body, "sha1=abc"))
	assert.False(t, VerifySignature("secret", body, "sha256=zz"))
}

func TestParseWebhook(t *testing.T) {
	body := []byte(`{
	  "object": "whatsapp_business_account",
	  "entry": [{
	    "changes": [{
	      "value": {
	        "contacts": [{"wa_id": "15550001", "profile": {"name": "Ren"}}],
	        "messages": [
	          {"id": "wamid.1", "from": "15550001", "timestamp": "1700000000", "type": "text", "text": {"body": "Can you build a dashboard?"}},
	          {"id": "wamid.2", "from": "15550001", "timestamp": "1700000001", "type": "image"}
	        ]
	      }
	    }, {
	      "value": {"statuses": [{"id": "wamid.0", "status": "delivered"}]}
	    }]
	  }]
	}`)

	msgs, err := ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "wamid.1", msgs[0].MessageID)
	assert.Equal(t, "15550001", msgs[0].ChatID)
	assert.Equal(t, "Can you build a dashboard?", msgs[0].Text)
	assert.Equal(t, "Ren", msgs[0].SenderName)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), msgs[0].Timestamp)

	_, err = ParseWebhook([]byte(`not json`))
	assert.Error(t, err)
}
