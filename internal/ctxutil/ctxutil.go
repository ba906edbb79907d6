// Package ctxutil provides shared context key accessors.
//
// Both server and mcp read the request ID that server's middleware stores,
// and background jobs carry their run and job IDs down to the tool runner.
// Every package imports ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyRunID     contextKey = "run_id"
	keyJobID     contextKey = "job_id"
	keyActor     contextKey = "actor"
)

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID extracts the request ID from the context.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithJob returns a new context carrying the run and job a worker is
// executing.
func WithJob(ctx context.Context, runID, jobID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, keyRunID, runID)
	return context.WithValue(ctx, keyJobID, jobID)
}

// JobFromContext extracts the run and job IDs. Both are uuid.Nil outside a
// job.
func JobFromContext(ctx context.Context) (runID, jobID uuid.UUID) {
	runID, _ = ctx.Value(keyRunID).(uuid.UUID)
	jobID, _ = ctx.Value(keyJobID).(uuid.UUID)
	return runID, jobID
}
