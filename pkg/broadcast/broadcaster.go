package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/stream"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// ErrConnectionGone signals that the peer behind a connection no longer
// exists. Transports return it to trigger registry cleanup; it is never
// surfaced as a broadcast failure.
var ErrConnectionGone = errors.New("connection gone")

// Transport posts one message to one registered connection.
type Transport interface {
	Send(ctx context.Context, connectionID string, message *types.Message) error
}

// Config holds broadcaster settings.
type Config struct {
	// SendTimeout bounds one per-connection send, so a slow or dead
	// connection never stalls delivery to the rest.
	SendTimeout time.Duration
}

// Stats aggregates the outcome of one fan-out.
type Stats struct {
	Connections int
	Sent        int
	Gone        int
	Transient   int
}

// Broadcaster turns classified change records into outbound messages and
// fans them out to every registered connection, pruning dead ones as it
// discovers them.
type Broadcaster struct {
	store     storage.Store
	transport Transport
	cfg       Config
	logger    zerolog.Logger
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(store storage.Store, transport Transport, cfg Config) *Broadcaster {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &Broadcaster{
		store:     store,
		transport: transport,
		cfg:       cfg,
		logger:    log.WithComponent("broadcaster"),
	}
}

// HandleChanges is the stream.Handler entry point: one message per
// classified change, fanned out to all active connections. Only a
// registry listing failure is returned; per-connection send failures are
// counted and absorbed.
func (b *Broadcaster) HandleChanges(ctx context.Context, changes []stream.Change) error {
	for _, change := range changes {
		msg := BuildMessage(change)
		if msg == nil {
			continue
		}
		stats, err := b.Broadcast(ctx, msg)
		if err != nil {
			return err
		}
		b.logger.Debug().
			Str("type", string(msg.Type)).
			Str("event_id", msg.Data.ID).
			Int("sent", stats.Sent).
			Int("gone", stats.Gone).
			Int("transient", stats.Transient).
			Msg("change broadcast")
	}
	return nil
}

// BuildMessage maps a classified change to its outbound message.
func BuildMessage(change stream.Change) *types.Message {
	var msgType types.MessageType
	switch change.Class {
	case stream.Created:
		msgType = types.MessageEventCreated
	case stream.StatusChanged:
		msgType = types.MessageEventUpdate
	default:
		return nil
	}
	return &types.Message{
		Type:      msgType,
		Data:      types.Project(change.Event),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Broadcast fans one message out to all active connections concurrently.
// A send that reports the connection gone deletes it from the registry;
// transient errors are counted only, since the next change will naturally
// re-deliver current state.
func (b *Broadcaster) Broadcast(ctx context.Context, msg *types.Message) (Stats, error) {
	conns, err := b.store.ListActiveConnections(time.Now())
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Connections: len(conns)}
	if len(conns) == 0 {
		return stats, nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, conn := range conns {
		wg.Add(1)
		go func(connectionID string) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
			defer cancel()

			err := b.transport.Send(sendCtx, connectionID, msg)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				stats.Sent++
				metrics.BroadcastsTotal.WithLabelValues("ok").Inc()

			case errors.Is(err, ErrConnectionGone):
				stats.Gone++
				metrics.BroadcastsTotal.WithLabelValues("gone").Inc()
				b.cleanupConnection(connectionID)

			default:
				stats.Transient++
				metrics.BroadcastsTotal.WithLabelValues("transient").Inc()
				connLogger := log.WithConnectionID(connectionID)
				connLogger.Warn().Err(err).Msg("transient send failure")
			}
		}(conn.ConnectionID)
	}
	wg.Wait()

	return stats, nil
}

// cleanupConnection removes a stale connection. Deletion is idempotent,
// so racing an explicit disconnect is harmless.
func (b *Broadcaster) cleanupConnection(connectionID string) {
	logger := log.WithConnectionID(connectionID)
	logger.Info().Msg("pruning stale connection")
	if err := b.store.DeleteConnection(connectionID); err != nil {
		logger.Error().Err(err).Msg("failed to prune stale connection")
		return
	}
	metrics.StaleConnectionsCleaned.Inc()
}
