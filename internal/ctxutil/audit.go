package ctxutil

import "context"

// Surfaces an operator action can arrive through.
const (
	SurfaceHTTP     = "http"
	SurfaceMCP      = "mcp"
	SurfaceCLI      = "cli"
	SurfaceInternal = "internal"
)

// Actor records who triggered a state-changing operation such as a resume.
// It lives in ctxutil so server, mcp and the CLI can populate it without
// importing the pipeline.
type Actor struct {
	Surface   string
	RequestID string
	Endpoint  string
}

// WithActor returns a new context carrying the actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, keyActor, a)
}

// ActorFromContext extracts the actor. A context without one is attributed
// to the internal surface.
func ActorFromContext(ctx context.Context) Actor {
	if v, ok := ctx.Value(keyActor).(Actor); ok {
		return v
	}
	return Actor{Surface: SurfaceInternal, RequestID: RequestID(ctx)}
}

// LogAttrs returns the actor as slog key/value pairs.
func (a Actor) LogAttrs() []any {
	attrs := []any{"surface", a.Surface}
	if a.RequestID != "" {
		attrs = append(attrs, "request_id", a.RequestID)
	}
	if a.Endpoint != "" {
		attrs = append(attrs, "endpoint", a.Endpoint)
	}
	return attrs
}
