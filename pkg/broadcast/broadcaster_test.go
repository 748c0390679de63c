package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/stream"
	"github.com/burrowhq/burrow/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func registerConnection(t *testing.T, store storage.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.PutConnection(&types.Connection{
		ConnectionID: id,
		ConnectedAt:  now,
		TTL:          now.Add(24 * time.Hour),
	}))
}

// fakeTransport records sends and fails configured connections.
type fakeTransport struct {
	mu       sync.Mutex
	failWith map[string]error
	received map[string][]*types.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failWith: make(map[string]error),
		received: make(map[string][]*types.Message),
	}
}

func (f *fakeTransport) Send(ctx context.Context, connectionID string, msg *types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failWith[connectionID]; err != nil {
		return err
	}
	f.received[connectionID] = append(f.received[connectionID], msg)
	return nil
}

func (f *fakeTransport) messagesFor(connectionID string) []*types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[connectionID]
}

func deliveredEvent() *types.Event {
	latency := int64(42)
	return &types.Event{
		ID:                "evt-1",
		Status:            types.EventStatusDelivered,
		DeliveryAttempts:  1,
		DeliveryLatencyMs: &latency,
		UpdatedAt:         time.Now().UTC(),
	}
}

// TestBuildMessage tests the change-to-message mapping
func TestBuildMessage(t *testing.T) {
	event := deliveredEvent()

	created := BuildMessage(stream.Change{Class: stream.Created, Event: event})
	require.NotNil(t, created)
	assert.Equal(t, types.MessageEventCreated, created.Type)
	assert.Equal(t, "evt-1", created.Data.ID)
	assert.Equal(t, "delivered", created.Data.Status)
	require.NotNil(t, created.Data.DeliveryLatencyMs)
	assert.Equal(t, int64(42), *created.Data.DeliveryLatencyMs)
	assert.NotEmpty(t, created.Timestamp)

	updated := BuildMessage(stream.Change{Class: stream.StatusChanged, Event: event})
	require.NotNil(t, updated)
	assert.Equal(t, types.MessageEventUpdate, updated.Type)

	assert.Nil(t, BuildMessage(stream.Change{Class: stream.Ignored, Event: event}))
}

// TestBroadcastFanOut tests delivery to every active connection
func TestBroadcastFanOut(t *testing.T) {
	store := newTestStore(t)
	transport := newFakeTransport()
	registerConnection(t, store, "conn-1")
	registerConnection(t, store, "conn-2")
	registerConnection(t, store, "conn-3")

	b := NewBroadcaster(store, transport, Config{})
	msg := BuildMessage(stream.Change{Class: stream.Created, Event: deliveredEvent()})

	stats, err := b.Broadcast(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, Stats{Connections: 3, Sent: 3}, stats)

	for _, id := range []string{"conn-1", "conn-2", "conn-3"} {
		msgs := transport.messagesFor(id)
		require.Len(t, msgs, 1)
		assert.Equal(t, types.MessageEventCreated, msgs[0].Type)
	}
}

// TestBroadcastPrunesGone tests that a gone connection is removed from the
// registry while the rest still receive the message.
func TestBroadcastPrunesGone(t *testing.T) {
	store := newTestStore(t)
	transport := newFakeTransport()
	registerConnection(t, store, "conn-live")
	registerConnection(t, store, "conn-dead")
	transport.failWith["conn-dead"] = ErrConnectionGone

	b := NewBroadcaster(store, transport, Config{})
	msg := BuildMessage(stream.Change{Class: stream.StatusChanged, Event: deliveredEvent()})

	stats, err := b.Broadcast(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, Stats{Connections: 2, Sent: 1, Gone: 1}, stats)

	conns, err := store.ListActiveConnections(time.Now())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "conn-live", conns[0].ConnectionID)

	assert.Len(t, transport.messagesFor("conn-live"), 1)
}

// TestBroadcastTransientFailure tests that transient errors are counted
// but the connection stays registered.
func TestBroadcastTransientFailure(t *testing.T) {
	store := newTestStore(t)
	transport := newFakeTransport()
	registerConnection(t, store, "conn-slow")
	transport.failWith["conn-slow"] = errors.New("write deadline exceeded")

	b := NewBroadcaster(store, transport, Config{})
	msg := BuildMessage(stream.Change{Class: stream.Created, Event: deliveredEvent()})

	stats, err := b.Broadcast(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, Stats{Connections: 1, Transient: 1}, stats)

	conns, err := store.ListActiveConnections(time.Now())
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}

// TestBroadcastNoConnections tests the empty-registry fast path
func TestBroadcastNoConnections(t *testing.T) {
	store := newTestStore(t)
	transport := newFakeTransport()

	b := NewBroadcaster(store, transport, Config{})
	msg := BuildMessage(stream.Change{Class: stream.Created, Event: deliveredEvent()})

	stats, err := b.Broadcast(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

// TestBroadcastSkipsExpiredConnections tests that TTL-expired entries are
// not fanned out to.
func TestBroadcastSkipsExpiredConnections(t *testing.T) {
	store := newTestStore(t)
	transport := newFakeTransport()
	registerConnection(t, store, "conn-live")

	now := time.Now().UTC()
	require.NoError(t, store.PutConnection(&types.Connection{
		ConnectionID: "conn-expired",
		ConnectedAt:  now.Add(-48 * time.Hour),
		TTL:          now.Add(-24 * time.Hour),
	}))

	b := NewBroadcaster(store, transport, Config{})
	msg := BuildMessage(stream.Change{Class: stream.Created, Event: deliveredEvent()})

	stats, err := b.Broadcast(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, Stats{Connections: 1, Sent: 1}, stats)
	assert.Empty(t, transport.messagesFor("conn-expired"))
}

// TestHandleChanges tests the stream handler path: one message per
// broadcastable change, ignored changes skipped.
func TestHandleChanges(t *testing.T) {
	store := newTestStore(t)
	transport := newFakeTransport()
	registerConnection(t, store, "conn-1")

	b := NewBroadcaster(store, transport, Config{})
	changes := []stream.Change{
		{Class: stream.Created, Event: &types.Event{ID: "evt-1", Status: types.EventStatusPending, UpdatedAt: time.Now().UTC()}},
		{Class: stream.StatusChanged, Event: deliveredEvent()},
	}

	require.NoError(t, b.HandleChanges(context.Background(), changes))

	msgs := transport.messagesFor("conn-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, types.MessageEventCreated, msgs[0].Type)
	assert.Equal(t, types.MessageEventUpdate, msgs[1].Type)
	assert.Equal(t, "evt-1", msgs[1].Data.ID)
}
