package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/broadcast"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds websocket hub settings.
type Config struct {
	// ConnectionTTL bounds how long a registered connection lives
	// without an explicit disconnect.
	ConnectionTTL time.Duration

	// ReadLimit caps inbound message size. Clients only send ping and
	// pong frames, so the limit is small.
	ReadLimit int64
}

// Hub owns live websocket connections and implements the broadcaster's
// Transport. Connections are registered in the store on connect and
// removed on disconnect, so fan-out and cleanup coordinate purely through
// the registry.
type Hub struct {
	store    storage.Store
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*clientConn
}

// clientConn wraps one websocket with a write lock; gorilla permits only
// one concurrent writer.
type clientConn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewHub creates a websocket hub.
func NewHub(store storage.Store, cfg Config) *Hub {
	if cfg.ConnectionTTL <= 0 {
		cfg.ConnectionTTL = 24 * time.Hour
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4096
	}
	return &Hub{
		store: store,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboard origins are enforced upstream.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithComponent("ws"),
		conns:  make(map[string]*clientConn),
	}
}

// Handler returns the HTTP handler for the websocket endpoint.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleConnect)
}

func (h *Hub) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	now := time.Now().UTC()
	conn := &clientConn{
		id: uuid.New().String(),
		ws: ws,
	}

	record := &types.Connection{
		ConnectionID: conn.id,
		ConnectedAt:  now,
		TTL:          now.Add(h.cfg.ConnectionTTL),
	}
	if err := h.store.PutConnection(record); err != nil {
		h.logger.Error().Err(err).Msg("failed to register connection")
		ws.Close()
		return
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	connLogger := log.WithConnectionID(conn.id)
	connLogger.Info().Msg("client connected")
	go h.readLoop(conn)
}

// readLoop consumes inbound frames until the peer goes away. The only
// application messages clients send are pings, answered with pongs.
func (h *Hub) readLoop(conn *clientConn) {
	defer h.drop(conn)

	conn.ws.SetReadLimit(h.cfg.ReadLimit)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				connLogger := log.WithConnectionID(conn.id)
				connLogger.Debug().Err(err).Msg("client read error")
			}
			return
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == types.MessagePing {
			pong := &types.Message{
				Type:      types.MessagePong,
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			}
			if err := conn.write(pong, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// drop closes the socket and removes the connection from both the local
// map and the registry. Safe to call more than once.
func (h *Hub) drop(conn *clientConn) {
	conn.ws.Close()

	h.mu.Lock()
	_, present := h.conns[conn.id]
	delete(h.conns, conn.id)
	h.mu.Unlock()

	if !present {
		return
	}

	connLogger := log.WithConnectionID(conn.id)
	connLogger.Info().Msg("client disconnected")
	if err := h.store.DeleteConnection(conn.id); err != nil {
		connLogger.Error().Err(err).Msg("failed to deregister connection")
	}
}

// Send implements broadcast.Transport. An unknown connection id means the
// peer is gone as far as this hub is concerned.
func (h *Hub) Send(ctx context.Context, connectionID string, message *types.Message) error {
	h.mu.RLock()
	conn, ok := h.conns[connectionID]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("connection %s: %w", connectionID, broadcast.ErrConnectionGone)
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	if err := conn.write(message, deadline); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// Slow consumer, not necessarily dead. The next change
			// will re-deliver current state.
			return fmt.Errorf("send to %s timed out: %w", connectionID, err)
		}
		// Write failure on the socket: peer is gone. Drop it so the
		// broadcaster prunes the registry entry.
		h.drop(conn)
		return fmt.Errorf("send to %s failed: %v: %w", connectionID, err, broadcast.ErrConnectionGone)
	}
	return nil
}

func (c *clientConn) write(message *types.Message, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(message)
}

// ConnectionCount returns the number of sockets this hub currently owns.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close drops every connection, deregistering each.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*clientConn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.drop(conn)
	}
}
