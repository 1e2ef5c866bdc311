package sseclient

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 5
)

// Backoff hands out capped exponential reconnect delays. The delay before
// attempt k is min(maxDelay, initialDelay*2^(k-1)); no delay is handed out once
// maxAttempts have been used.
type Backoff struct {
	policy   backoff.BackOff
	attempts int
}

func NewBackoff(initialDelay, maxDelay time.Duration, maxAttempts int) *Backoff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     min(initialDelay, maxDelay),
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		// attempts, not wall time, end the schedule
		MaxElapsedTime: 0,
		Stop:           backoff.Stop,
		Clock:          backoff.SystemClock,
	}

	b := &Backoff{policy: backoff.WithMaxRetries(exp, uint64(max(maxAttempts, 0)))}
	b.Reset()
	return b
}

// Next returns the delay before the next attempt and false once attempts
// are exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	d := b.policy.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}

	b.attempts++
	return d, true
}

func (b *Backoff) Reset() {
	b.attempts = 0
	b.policy.Reset()
}

func (b *Backoff) Attempts() int {
	return b.attempts
}
