// Package ratelimit throttles inbound webhook traffic per client.
//
// MemoryLimiter is a per-key token bucket held in process memory, which is
// enough for a single-instance deployment. The Limiter interface is the
// contract the HTTP layer depends on.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. An error signals a
	// limiter malfunction; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// New returns a MemoryLimiter, or a NoopLimiter when rate is not positive.
func New(rate float64, burst int) Limiter {
	if rate <= 0 || burst <= 0 {
		return NoopLimiter{}
	}
	return NewMemoryLimiter(rate, burst)
}
