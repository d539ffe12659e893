// Package ratelimit paces bursts of outbound git plumbing subprocess
// spawns during a single large persist batch, so that chunking a
// multi-gigabyte blob into tens of thousands of chunks never spawns
// `hash-object` processes faster than the host VCS's object database can
// absorb loose objects.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// SubprocessLimiter throttles a stream of subprocess invocations with a
// token bucket. It never blocks request handling on anything but the
// limiter itself -- there is no cross-goroutine coordination, matching
// the driver's single-threaded, sequential request model.
type SubprocessLimiter struct {
	limiter *rate.Limiter
}

// NewSubprocessLimiter creates a limiter allowing ratePerSecond steady
// spawns with burst allowance burst. A nil *SubprocessLimiter (the zero
// value from new(SubprocessLimiter) is not valid; use NewUnlimited) is
// never passed around -- callers that want no pacing use NewUnlimited.
func NewSubprocessLimiter(ratePerSecond, burst int) *SubprocessLimiter {
	return &SubprocessLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// NewUnlimited returns a limiter that never throttles, used for modes
// where pacing isn't wanted (e.g. tests).
func NewUnlimited() *SubprocessLimiter {
	return &SubprocessLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
}

// Wait blocks until the limiter admits one more subprocess spawn, or
// returns early if ctx is canceled.
func (s *SubprocessLimiter) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// DefaultPersistLimiter is the generous default used when persisting a
// batch of chunks: fast enough to be invisible for ordinary files, slow
// enough to keep a 100k-chunk blob from saturating process-spawn
// overhead in one burst.
func DefaultPersistLimiter() *SubprocessLimiter {
	return NewSubprocessLimiter(500, 50)
}
