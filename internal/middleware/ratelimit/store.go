package ratelimit

import (
	"context"
	"time"
)

// Window is the state of one identity's sliding window after a Take.
type Window struct {
	// Count is the number of requests inside the window, including this one when admitted.
	Count int
	// Oldest is the earliest timestamp still inside the window. Zero when the window is empty.
	Oldest time.Time
	// Admitted reports whether now was appended.
	Admitted bool
}

// Store keeps per-identity request timestamps.
//
// Take trims the window of key to timestamps newer than now-period, then appends
// now if fewer than limit remain. Implementations must run those steps atomically
// per key.
type Store interface {
	Take(ctx context.Context, key string, now time.Time, period time.Duration, limit int) (Window, error)
	// Sweep removes every identity whose newest timestamp is not after cutoff.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	// Size returns the number of tracked identities.
	Size(ctx context.Context) (int, error)
}
