package core

import (
	"math/rand"
	"time"
)

// Backoff produces a jittered exponential delay sequence for retrying
// transient errors: the relay connection attempt loop and the API client
// both use it so a flaky network doesn't turn into a tight retry loop.
//
// Delay grows by Factor each attempt starting at Initial, capped at Max.
// Jitter multiplies the raw delay by a random factor in [1-Jitter, 1+Jitter]
// so that many daemons retrying after the same outage don't all wake up in
// lockstep.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	Jitter  float64

	attempt int
}

// NewBackoff returns the daemon's default backoff: 4s initial delay,
// factor 5, capped at 24h, ±20% jitter.
func NewBackoff() *Backoff {
	return &Backoff{
		Initial: 4 * time.Second,
		Factor:  5,
		Max:     24 * time.Hour,
		Jitter:  0.2,
	}
}

// Next returns the delay to wait before the next attempt and advances the
// internal attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := float64(b.Initial)
	for i := 0; i < b.attempt; i++ {
		delay *= b.Factor
		if delay >= float64(b.Max) {
			delay = float64(b.Max)
			break
		}
	}
	b.attempt++

	if b.Jitter > 0 {
		spread := delay * b.Jitter
		delay += (rand.Float64()*2 - 1) * spread
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

// Attempt returns how many delays have been produced so far, 0-indexed —
// used by the retry policy to pick the attempt-indexed RelayQuery override
// (n mod k over the configured override table).
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restarts the sequence from the first attempt, called once a
// connection attempt succeeds.
func (b *Backoff) Reset() { b.attempt = 0 }
