package device

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff defaults
const (
	DefaultBackoffInitial     = time.Second
	DefaultBackoffMax         = 60 * time.Second
	DefaultBackoffMaxAttempts = 10
)

// Backoff computes reconnection delays: initial, 2*initial, 4*initial ... capped at max.
// After maxAttempts consecutive failures it reports exhaustion. A zero maxAttempts
// retries forever.
//
// Backoff is owned by the reconnect loop and is not safe for concurrent use.
type Backoff struct {
	interval *backoff.ExponentialBackOff
	policy   backoff.BackOff
	attempts int
}

// NewBackoff creates a backoff policy; non-positive durations fall back to the defaults
func NewBackoff(initial, max time.Duration, maxAttempts int) *Backoff {
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if max < initial {
		max = initial
	}

	interval := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(max),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)

	var policy backoff.BackOff = interval
	if maxAttempts > 0 {
		policy = backoff.WithMaxRetries(interval, uint64(maxAttempts))
	}
	return &Backoff{interval: interval, policy: policy}
}

// Next records a failed attempt and returns how long to wait before the next one.
// ok is false once the attempt ceiling has been reached.
func (b *Backoff) Next() (wait time.Duration, ok bool) {
	wait = b.policy.NextBackOff()
	if wait == backoff.Stop {
		return 0, false
	}
	b.attempts++
	return wait, true
}

// ResetInterval restarts the delays from initial but keeps counting attempts toward
// the ceiling. Called after a connect and subscribe that has not served a tick yet.
func (b *Backoff) ResetInterval() {
	b.interval.Reset()
}

// Reset restarts both the delays and the attempt count
func (b *Backoff) Reset() {
	b.attempts = 0
	b.policy.Reset()
}

// Attempts returns the number of consecutive failures recorded since the last Reset
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
