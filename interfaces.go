package tsuzuki

import (
	"context"
	"net/http"
)

// Channel delivers outbound chat messages. Send returns the provider's
// message ID. Egress deduplication runs before Send, so an implementation
// sees each (run, payload) pair at most once.
type Channel interface {
	Send(ctx context.Context, chatID, text string) (string, error)
}

// JobHook receives a notification when a background job finishes, after
// its status is stored and the chat has been told. Hooks run on the job's
// worker and must not block indefinitely. Errors are logged and otherwise
// ignored.
type JobHook interface {
	OnJobFinished(ctx context.Context, job Job) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, middleware chain and OTEL instrumentation
// with the built-in routes. Called once during New after those are
// registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper lets extra routes require the operator key without depending
// on internal/server.
type AuthHelper interface {
	RequireOperator(next http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
type Middleware func(http.Handler) http.Handler
