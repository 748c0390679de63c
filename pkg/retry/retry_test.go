package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestBackoff tests exponential backoff with the default bounds
func TestBackoff(t *testing.T) {
	sched := NewSchedule(0, 0)

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{name: "first attempt", attempt: 0, expected: 1 * time.Second},
		{name: "second attempt", attempt: 1, expected: 2 * time.Second},
		{name: "third attempt", attempt: 2, expected: 4 * time.Second},
		{name: "fourth attempt", attempt: 3, expected: 8 * time.Second},
		{name: "capped at max", attempt: 6, expected: 60 * time.Second},
		{name: "stays capped", attempt: 20, expected: 60 * time.Second},
		{name: "negative attempt clamps to base", attempt: -1, expected: 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sched.Backoff(tt.attempt))
		})
	}
}

// TestBackoffCustomBounds tests configurable base and max delays
func TestBackoffCustomBounds(t *testing.T) {
	sched := NewSchedule(100*time.Millisecond, 1*time.Second)

	assert.Equal(t, 100*time.Millisecond, sched.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, sched.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, sched.Backoff(3))
	assert.Equal(t, 1*time.Second, sched.Backoff(4))
	assert.Equal(t, 1*time.Second, sched.Backoff(10))
}

// TestBackoffNoOverflow tests that very large attempt counts stay capped
func TestBackoffNoOverflow(t *testing.T) {
	sched := NewSchedule(1*time.Second, 30*time.Second)
	assert.Equal(t, 30*time.Second, sched.Backoff(500))
}

// TestBackoffJitter tests the jittered variant stays within bounds
func TestBackoffJitter(t *testing.T) {
	sched := NewSchedule(1*time.Second, 30*time.Second)
	jitter := 1 * time.Second

	for attempt := 0; attempt < 8; attempt++ {
		base := sched.Backoff(attempt)
		for i := 0; i < 50; i++ {
			delay := sched.BackoffJitter(attempt, jitter)
			assert.GreaterOrEqual(t, delay, base)
			assert.Less(t, delay, base+jitter)
		}
	}
}

// TestBackoffJitterZero tests that zero jitter falls back to plain backoff
func TestBackoffJitterZero(t *testing.T) {
	sched := NewSchedule(1*time.Second, 30*time.Second)
	assert.Equal(t, sched.Backoff(2), sched.BackoffJitter(2, 0))
}
