package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/types"
)

// TestSweeper tests the retention loop purging expired events
func TestSweeper(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	expired := newTestEvent("evt-expired")
	expired.TTL = now.Add(-time.Minute)
	require.NoError(t, store.CreateEvent(expired))

	alive := newTestEvent("evt-alive")
	alive.TTL = now.Add(time.Hour)
	require.NoError(t, store.CreateEvent(alive))

	sweeper := NewSweeper(store, 20*time.Millisecond)
	sweeper.Start()
	defer sweeper.Stop()

	require.Eventually(t, func() bool {
		_, err := store.GetEvent("evt-expired")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	got, err := store.GetEvent("evt-alive")
	require.NoError(t, err)
	assert.Equal(t, types.EventStatusPending, got.Status)
}
