package ratelimit

import (
	"context"
	"time"
)

// Limiter throttles the calls made to the build server.
type Limiter interface {
	// Take blocks until a call is allowed or ctx is done, and returns how long it waited.
	Take(ctx context.Context) (time.Duration, error)
}
