package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsuzuki/internal/auth"
	"github.com/ashita-ai/tsuzuki/internal/model"
	"github.com/ashita-ai/tsuzuki/internal/ratelimit"
	"github.com/ashita-ai/tsuzuki/internal/testutil"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, remoteAddr string, header http.Header) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range header {
		req.Header[k] = v
	}
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitMiddleware(t *testing.T) {
	// rate=1/s, burst=2: two rapid requests pass, the third is rejected.
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	handler := rateLimitMiddleware(limiter, testutil.TestLogger(), okHandler)

	for i := range 2 {
		rec := serve(handler, "192.168.1.1:12345", nil)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d within burst", i+1)
	}
	rec := serve(handler, "192.168.1.1:12345", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, ErrCodeRateLimited, body.Error.Code)
}

func TestRateLimitMiddlewarePerIP(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	handler := rateLimitMiddleware(limiter, testutil.TestLogger(), okHandler)

	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.1:1000", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "10.0.0.1:1001", nil).Code)
	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.2:1000", nil).Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}
func (failingLimiter) Close() error { return nil }

func TestRateLimitMiddlewareFailsOpen(t *testing.T) {
	handler := rateLimitMiddleware(failingLimiter{}, testutil.TestLogger(), okHandler)
	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.1:1000", nil).Code)
}

func TestAdminMiddleware(t *testing.T) {
	hash, err := auth.HashAPIKey("secret-key")
	require.NoError(t, err)
	handler := adminMiddleware(hash)(okHandler)

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"valid", "Bearer secret-key", http.StatusOK},
		{"lowercase scheme", "bearer secret-key", http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"no scheme", "secret-key", http.StatusUnauthorized},
		{"wrong key", "Bearer other", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.auth != "" {
				h.Set("Authorization", tt.auth)
			}
			assert.Equal(t, tt.want, serve(handler, "10.0.0.1:1", h).Code)
		})
	}

	closed := adminMiddleware("")(okHandler)
	assert.Equal(t, http.StatusUnauthorized,
		serve(closed, "10.0.0.1:1", http.Header{"Authorization": {"Bearer secret-key"}}).Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := serve(handler, "10.0.0.1:1", http.Header{"X-Request-Id": {"req-123"}})
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = serve(handler, "10.0.0.1:1", nil)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := serve(handler, "10.0.0.1:1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	assert.Equal(t, "203.0.113.9", clientIP(req))

	req.RemoteAddr = "[::1]:5555"
	assert.Equal(t, "[::1]", clientIP(req))
}
