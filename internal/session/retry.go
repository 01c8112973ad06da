package session

import (
	"context"
	"math/rand"
	"time"

	"github.com/kilnhq/kiln/internal/provider"
)

const (
	retryBaseDelay  = 500 * time.Millisecond
	retryMaxDelay   = 30 * time.Second
	retryHintCap    = 60 * time.Second
	retryWallBudget = 10 * time.Minute
)

// getBoundedDelay computes the sleep before retry attempt n (1-based):
// exponential with jitter, raised to any server retry-after hint, and clipped
// to the remaining wall-clock budget since the step began.
func getBoundedDelay(err error, attempt int, start time.Time) time.Duration {
	delay := retryBaseDelay << uint(attempt-1)
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	// ±25% jitter keeps concurrent sessions from thundering together.
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	delay += jitter

	if hint, ok := provider.RetryAfterHint(err); ok {
		if hint > retryHintCap {
			hint = retryHintCap
		}
		if hint > delay {
			delay = hint
		}
	}

	remaining := retryWallBudget - time.Since(start)
	if remaining < 0 {
		remaining = 0
	}
	if delay > remaining {
		delay = remaining
	}
	return delay
}

// sleepRetry waits out the backoff under the turn's cancellation token.
// Cancellation during the sleep raises ErrAborted.
func sleepRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		if ctx.Err() != nil {
			return ErrAborted
		}
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrAborted
	}
}
