package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	}))
}

// recordingHandler collects the batches it accepts and can be told to
// reject batches containing specific event IDs.
type recordingHandler struct {
	mu      sync.Mutex
	batches [][]Change
	reject  map[string]bool
	calls   int
}

func (h *recordingHandler) handle(ctx context.Context, changes []Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	for _, change := range changes {
		if h.reject[change.Event.ID] {
			return errors.New("handler rejected batch")
		}
	}
	h.batches = append(h.batches, changes)
	return nil
}

func (h *recordingHandler) seenIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for _, batch := range h.batches {
		for _, change := range batch {
			ids = append(ids, change.Event.ID)
		}
	}
	return ids
}

// TestClassify tests change record classification
func TestClassify(t *testing.T) {
	pending := &types.Event{ID: "evt-1", Status: types.EventStatusPending}
	claimed := &types.Event{ID: "evt-1", Status: types.EventStatusPending, DeliveryAttempts: 1}
	delivered := &types.Event{ID: "evt-1", Status: types.EventStatusDelivered, DeliveryAttempts: 1}

	tests := []struct {
		name     string
		rec      *types.ChangeRecord
		expected Classification
		ok       bool
	}{
		{
			name:     "insert is a creation",
			rec:      &types.ChangeRecord{Kind: types.ChangeInsert, NewImage: pending},
			expected: Created,
			ok:       true,
		},
		{
			name: "insert without image is dropped",
			rec:  &types.ChangeRecord{Kind: types.ChangeInsert},
			ok:   false,
		},
		{
			name:     "status transition is an update",
			rec:      &types.ChangeRecord{Kind: types.ChangeModify, OldImage: claimed, NewImage: delivered},
			expected: StatusChanged,
			ok:       true,
		},
		{
			name: "attempt-only modify is dropped",
			rec:  &types.ChangeRecord{Kind: types.ChangeModify, OldImage: pending, NewImage: claimed},
			ok:   false,
		},
		{
			name: "modify without old image is dropped",
			rec:  &types.ChangeRecord{Kind: types.ChangeModify, NewImage: delivered},
			ok:   false,
		},
		{
			name: "removal is dropped",
			rec:  &types.ChangeRecord{Kind: types.ChangeRemove, OldImage: delivered},
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change, ok := Classify(tt.rec)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, change.Class)
				assert.NotNil(t, change.Event)
			}
		})
	}
}

// TestConsumeOnce tests one feed window end to end: classification,
// handling, offset commit, and log pruning.
func TestConsumeOnce(t *testing.T) {
	store := newTestStore(t)
	handler := &recordingHandler{}
	consumer := NewConsumer(store, "test", handler.handle, Config{BatchSize: 100})

	createPending(t, store, "evt-1")
	createPending(t, store, "evt-2")
	_, err := store.ClaimEvent("evt-1", 0, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, store.ResolveDelivered("evt-1", 1, 15))

	require.NoError(t, consumer.ConsumeOnce(context.Background()))

	// Two creations plus one status change; the claim-only modify is
	// filtered out.
	ids := handler.seenIDs()
	assert.Equal(t, []string{"evt-1", "evt-2", "evt-1"}, ids)

	// Offset committed past the whole window and the log pruned.
	offset, err := store.ReadOffset("test")
	require.NoError(t, err)
	assert.Greater(t, offset, uint64(0))

	remaining, err := store.ReadChanges(0, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// Nothing new: the handler is not called again.
	calls := handler.calls
	require.NoError(t, consumer.ConsumeOnce(context.Background()))
	assert.Equal(t, calls, handler.calls)
}

// TestConsumeOnceBatchSize tests that a window consumes at most one batch
// and later windows pick up where the offset left off.
func TestConsumeOnceBatchSize(t *testing.T) {
	store := newTestStore(t)
	handler := &recordingHandler{}
	consumer := NewConsumer(store, "test", handler.handle, Config{BatchSize: 2})

	for i := 0; i < 5; i++ {
		createPending(t, store, fmt.Sprintf("evt-%d", i))
	}

	require.NoError(t, consumer.ConsumeOnce(context.Background()))
	assert.Len(t, handler.seenIDs(), 2)

	require.NoError(t, consumer.ConsumeOnce(context.Background()))
	require.NoError(t, consumer.ConsumeOnce(context.Background()))
	assert.Equal(t, []string{"evt-0", "evt-1", "evt-2", "evt-3", "evt-4"}, handler.seenIDs())
}

// TestConsumeOncePoisonIsolation tests retry-with-bisection: a record the
// handler always rejects is dropped alone after bounded retries, while the
// rest of its batch still goes through and the offset still advances.
func TestConsumeOncePoisonIsolation(t *testing.T) {
	store := newTestStore(t)
	handler := &recordingHandler{reject: map[string]bool{"evt-poison": true}}
	consumer := NewConsumer(store, "test", handler.handle, Config{BatchSize: 100, MaxRetries: 3})

	createPending(t, store, "evt-a")
	createPending(t, store, "evt-poison")
	createPending(t, store, "evt-b")
	createPending(t, store, "evt-c")

	require.NoError(t, consumer.ConsumeOnce(context.Background()))

	ids := handler.seenIDs()
	assert.ElementsMatch(t, []string{"evt-a", "evt-b", "evt-c"}, ids)
	assert.NotContains(t, ids, "evt-poison")

	// The poison record does not wedge the feed.
	offset, err := store.ReadOffset("test")
	require.NoError(t, err)
	assert.Greater(t, offset, uint64(0))

	remaining, err := store.ReadChanges(0, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

// TestConsumeOnceIndependentConsumers tests per-name offsets
func TestConsumeOnceIndependentConsumers(t *testing.T) {
	store := newTestStore(t)
	first := &recordingHandler{}
	second := &recordingHandler{}

	createPending(t, store, "evt-1")

	// The first consumer prunes the log after committing, so the second
	// only sees what is appended after that.
	c1 := NewConsumer(store, "first", first.handle, Config{BatchSize: 100})
	require.NoError(t, c1.ConsumeOnce(context.Background()))
	assert.Equal(t, []string{"evt-1"}, first.seenIDs())

	createPending(t, store, "evt-2")
	c2 := NewConsumer(store, "second", second.handle, Config{BatchSize: 100})
	require.NoError(t, c2.ConsumeOnce(context.Background()))
	assert.Equal(t, []string{"evt-2"}, second.seenIDs())
}
