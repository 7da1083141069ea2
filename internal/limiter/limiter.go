// Package limiter implements a failure backoff for CalDAV endpoints, so a
// scheduler does not keep hammering a server that rejects every connection.
package limiter

import (
	"context"
	"time"
)

// Limiter tracks connection failures per endpoint and temporary cooldowns.
type Limiter interface {
	// Allow reports whether the endpoint may be contacted now and an
	// optional retry-after.
	Allow(ctx context.Context, endpoint string) (bool, time.Duration, error)
	// Success resets counters after a successful connection.
	Success(ctx context.Context, endpoint string) error
	// Failure records a failed connection; may start a cooldown.
	Failure(ctx context.Context, endpoint string) (bool, time.Duration, error)
}
