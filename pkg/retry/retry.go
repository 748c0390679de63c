package retry

import (
	"math/rand"
	"time"
)

// Default backoff bounds
const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 60 * time.Second
)

// Schedule computes exponential backoff delays for delivery retries.
type Schedule struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewSchedule creates a schedule with the given bounds, applying defaults
// for zero values.
func NewSchedule(base, max time.Duration) Schedule {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return Schedule{BaseDelay: base, MaxDelay: max}
}

// Backoff returns the delay before retry attempt+1, doubling per attempt
// and capped at MaxDelay: min(max, base * 2^attempt). Attempt is 0-based.
func (s Schedule) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := s.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	if delay > s.MaxDelay {
		return s.MaxDelay
	}
	return delay
}

// BackoffJitter returns Backoff plus up to jitter of random slack. Used by
// the client reconnect protocol so herds of clients don't reconnect in
// lockstep.
func (s Schedule) BackoffJitter(attempt int, jitter time.Duration) time.Duration {
	delay := s.Backoff(attempt)
	if jitter <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(jitter)))
}
