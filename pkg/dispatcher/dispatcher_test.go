package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/delivery"
	"github.com/burrowhq/burrow/pkg/retry"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(store storage.Store, url string, cfg Config) *Engine {
	if cfg.Backoff == (retry.Schedule{}) {
		cfg.Backoff = retry.NewSchedule(time.Millisecond, 2*time.Millisecond)
	}
	client := delivery.NewClient(url, 2*time.Second)
	return NewEngine(store, client, cfg)
}

func createPending(t *testing.T, store storage.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateEvent(&types.Event{
		ID:        id,
		Type:      "order.created",
		Source:    "checkout",
		Status:    types.EventStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		TTL:       now.Add(24 * time.Hour),
	}))
}

// countingServer returns a webhook stub that answers with the given status
// and counts calls.
func countingServer(t *testing.T, status int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

// TestRunCycleDelivered tests the happy path: one pending event, one call,
// terminal delivered state with recorded latency.
func TestRunCycleDelivered(t *testing.T) {
	store := newTestStore(t)
	server, calls := countingServer(t, http.StatusOK)
	createPending(t, store, "evt-1")

	engine := newTestEngine(store, server.URL, Config{CycleRetries: 3, MaxAttempts: 9})
	stats, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Selected)
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	got, err := store.GetEvent("evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.EventStatusDelivered, got.Status)
	assert.Equal(t, 1, got.DeliveryAttempts)
	require.NotNil(t, got.DeliveryLatencyMs)
	assert.GreaterOrEqual(t, *got.DeliveryLatencyMs, int64(1))
	require.NotNil(t, got.LastDeliveryAttempt)
}

// TestRunCycleNonRetryable tests that a 4xx response settles the event
// failed after exactly one call, with no backoff retries.
func TestRunCycleNonRetryable(t *testing.T) {
	store := newTestStore(t)
	server, calls := countingServer(t, http.StatusNotFound)
	createPending(t, store, "evt-1")

	engine := newTestEngine(store, server.URL, Config{CycleRetries: 3, MaxAttempts: 9})
	stats, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	got, err := store.GetEvent("evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.EventStatusFailed, got.Status)
	assert.Equal(t, 1, got.DeliveryAttempts)
	assert.Equal(t, "HTTP 404", got.ErrorMessage)
}

// TestRunCycleRetryableExhaustion tests the retryable path across cycles:
// the first cycle burns its in-cycle budget and retains the event pending;
// the next cycle sees the cumulative cap reached and fails it without
// another delivery call.
func TestRunCycleRetryableExhaustion(t *testing.T) {
	store := newTestStore(t)
	server, calls := countingServer(t, http.StatusInternalServerError)
	createPending(t, store, "evt-1")

	engine := newTestEngine(store, server.URL, Config{CycleRetries: 3, MaxAttempts: 3})

	stats, err := engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retained)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))

	got, err := store.GetEvent("evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.EventStatusPending, got.Status)
	assert.Equal(t, 3, got.DeliveryAttempts)
	assert.Equal(t, "HTTP 500", got.ErrorMessage)

	stats, err = engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls), "exhausted event must not trigger another call")

	got, err = store.GetEvent("evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.EventStatusFailed, got.Status)
	assert.Equal(t, 3, got.DeliveryAttempts)
	assert.Equal(t, "HTTP 500", got.ErrorMessage)
}

// TestRunCycleRecoversMidBudget tests delivery succeeding on an in-cycle
// retry after transient failures.
func TestRunCycleRecoversMidBudget(t *testing.T) {
	store := newTestStore(t)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	createPending(t, store, "evt-1")

	engine := newTestEngine(store, server.URL, Config{CycleRetries: 3, MaxAttempts: 9})
	stats, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	got, err := store.GetEvent("evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.EventStatusDelivered, got.Status)
	assert.Equal(t, 3, got.DeliveryAttempts)
}

// TestProcessEventClaimConflict tests overlapping cycles: a cycle working
// from a stale snapshot loses the claim and makes no delivery call.
func TestProcessEventClaimConflict(t *testing.T) {
	store := newTestStore(t)
	server, calls := countingServer(t, http.StatusOK)
	createPending(t, store, "evt-1")

	// Another cycle claimed the event after our snapshot was taken.
	stale, err := store.GetEvent("evt-1")
	require.NoError(t, err)
	_, err = store.ClaimEvent("evt-1", 0, time.Now().UTC())
	require.NoError(t, err)

	engine := newTestEngine(store, server.URL, Config{CycleRetries: 3, MaxAttempts: 9})
	var stats CycleStats
	engine.processEvent(context.Background(), stale, &stats)

	assert.Equal(t, 1, stats.Conflicts)
	assert.Equal(t, 0, stats.Claimed)
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))

	// The winner's claim is intact.
	got, err := store.GetEvent("evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.EventStatusPending, got.Status)
	assert.Equal(t, 1, got.DeliveryAttempts)
}

// TestRunCycleCumulativeCapBoundsBudget tests that the in-cycle budget
// shrinks to whatever the cumulative cap leaves.
func TestRunCycleCumulativeCapBoundsBudget(t *testing.T) {
	store := newTestStore(t)
	server, calls := countingServer(t, http.StatusInternalServerError)
	createPending(t, store, "evt-1")

	engine := newTestEngine(store, server.URL, Config{CycleRetries: 3, MaxAttempts: 2})
	stats, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Retained)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))

	got, err := store.GetEvent("evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.EventStatusPending, got.Status)
	assert.Equal(t, 2, got.DeliveryAttempts)
}

// TestRunCycleEmpty tests a cycle with nothing to do
func TestRunCycleEmpty(t *testing.T) {
	store := newTestStore(t)
	server, calls := countingServer(t, http.StatusOK)

	engine := newTestEngine(store, server.URL, Config{})
	stats, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CycleStats{}, stats)
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

// TestRunCycleBatchLimit tests that selection respects the batch size
func TestRunCycleBatchLimit(t *testing.T) {
	store := newTestStore(t)
	server, _ := countingServer(t, http.StatusOK)
	createPending(t, store, "evt-1")
	createPending(t, store, "evt-2")
	createPending(t, store, "evt-3")

	engine := newTestEngine(store, server.URL, Config{BatchSize: 2, CycleRetries: 1, MaxAttempts: 9})
	stats, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Selected)
	assert.Equal(t, 2, stats.Delivered)

	remaining, err := store.ListEventsByStatus(types.EventStatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

// TestRunCycleManyEvents tests concurrent workers settling a full batch
func TestRunCycleManyEvents(t *testing.T) {
	store := newTestStore(t)
	server, calls := countingServer(t, http.StatusOK)
	for i := 0; i < 20; i++ {
		createPending(t, store, "evt-"+string(rune('a'+i)))
	}

	engine := newTestEngine(store, server.URL, Config{Workers: 4, CycleRetries: 1, MaxAttempts: 9})
	stats, err := engine.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, stats.Selected)
	assert.Equal(t, 20, stats.Delivered)
	assert.Equal(t, int32(20), atomic.LoadInt32(calls))

	pending, err := store.ListEventsByStatus(types.EventStatusPending, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestRunCycleAbandonedAtDeadline tests that a cancelled context aborts
// the retry loop without rolling back the claim.
func TestRunCycleAbandonedAtDeadline(t *testing.T) {
	store := newTestStore(t)
	server, _ := countingServer(t, http.StatusInternalServerError)
	createPending(t, store, "evt-1")

	engine := newTestEngine(store, server.URL, Config{
		CycleRetries: 3,
		MaxAttempts:  9,
		Backoff:      retry.NewSchedule(time.Minute, time.Minute),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	stats, err := engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Abandoned)

	got, err := store.GetEvent("evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.EventStatusPending, got.Status)
	assert.Equal(t, 1, got.DeliveryAttempts)
}
