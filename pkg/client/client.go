package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/retry"
	"github.com/burrowhq/burrow/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state of the client.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"

	// StateDisconnected is terminal until a manual Retry.
	StateDisconnected State = "disconnected"
)

// Config holds client protocol settings.
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://host:8081/ws".
	URL string

	// HeartbeatInterval is how often a ping is sent while connected.
	HeartbeatInterval time.Duration

	// PongTimeout is how long to wait for the pong before the
	// connection is declared dead.
	PongTimeout time.Duration

	// InitialDelay and MaxDelay bound the reconnect backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Jitter is the random slack added to each reconnect delay.
	Jitter time.Duration

	// MaxReconnectAttempts is the consecutive failure cap before the
	// client gives up and goes Disconnected.
	MaxReconnectAttempts int

	// PollInterval is the fallback polling cadence while not connected.
	PollInterval time.Duration

	// OnMessage receives every data message. Optional.
	OnMessage func(*types.Message)

	// OnStateChange observes lifecycle transitions. The error is the
	// last failure when entering Reconnecting or Disconnected. Optional.
	OnStateChange func(State, error)

	// Poll is invoked on PollInterval whenever the client is not
	// connected, so callers never depend on the push channel being
	// available. Optional.
	Poll func(ctx context.Context)
}

// Client implements the dashboard distribution protocol: connect, consume
// pushed messages, heartbeat, and reconnect with jittered backoff. It is
// safe for concurrent use.
type Client struct {
	cfg    Config
	sched  retry.Schedule
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	attempts    int
	lastErr     error
	suspended   bool
	suspendedAt time.Time
	ws          *websocket.Conn
	writeMu     sync.Mutex

	retryCh chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a client. Start must be called to begin connecting.
func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 5 * time.Second
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 1 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		sched:   retry.NewSchedule(cfg.InitialDelay, cfg.MaxDelay),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  log.WithComponent("client"),
		state:   StateConnecting,
		retryCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the connection loop and, if configured, the poll fallback.
func (c *Client) Start() {
	go c.run()
	if c.cfg.Poll != nil {
		go c.pollLoop()
	}
}

// Stop terminates the client.
func (c *Client) Stop() {
	close(c.stopCh)
	c.closeSocket()
	<-c.done
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent connection failure.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Retry is the manual retry affordance once the client has gone
// Disconnected. It resets the attempt counter and reconnects.
func (c *Client) Retry() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()

	select {
	case c.retryCh <- struct{}{}:
	default:
	}
}

// Suspend pauses heartbeats while the consumer is backgrounded.
func (c *Client) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = true
	c.suspendedAt = time.Now()
}

// Resume re-enables heartbeats. If the connection went stale while
// suspended (missed heartbeats), it is force-closed so the run loop
// reconnects.
func (c *Client) Resume() {
	c.mu.Lock()
	stale := c.suspended && time.Since(c.suspendedAt) > c.cfg.HeartbeatInterval+c.cfg.PongTimeout
	c.suspended = false
	c.mu.Unlock()

	if stale {
		c.logger.Info().Msg("connection stale after resume, forcing reconnect")
		c.closeSocket()
	}
}

func (c *Client) run() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.setState(StateConnecting, nil)

		ws, _, err := c.dialer.Dial(c.cfg.URL, nil)
		if err != nil {
			if !c.backoffOrGiveUp(err) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.attempts = 0
		c.mu.Unlock()
		c.setState(StateConnected, nil)

		err = c.session(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()

		select {
		case <-c.stopCh:
			return
		default:
		}

		if !c.backoffOrGiveUp(err) {
			return
		}
	}
}

// session consumes the connection until it fails: a reader goroutine
// feeds messages and pongs, while the heartbeat ticker enforces liveness.
func (c *Client) session(ws *websocket.Conn) error {
	msgCh := make(chan *types.Message, 16)
	errCh := make(chan error, 1)
	pongCh := make(chan struct{}, 1)

	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			var msg types.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == types.MessagePong {
				select {
				case pongCh <- struct{}{}:
				default:
				}
				continue
			}
			msgCh <- &msg
		}
	}()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case msg := <-msgCh:
			if c.cfg.OnMessage != nil {
				c.cfg.OnMessage(msg)
			}

		case err := <-errCh:
			return err

		case <-heartbeat.C:
			c.mu.Lock()
			suspended := c.suspended
			c.mu.Unlock()
			if suspended {
				continue
			}

			if err := c.sendPing(ws); err != nil {
				return fmt.Errorf("heartbeat send failed: %w", err)
			}
			if err := c.awaitPong(pongCh, msgCh, errCh); err != nil {
				// Force-close so the reader unblocks.
				ws.Close()
				return err
			}

		case <-c.stopCh:
			ws.Close()
			return nil
		}
	}
}

func (c *Client) sendPing(ws *websocket.Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ws.SetWriteDeadline(time.Now().Add(c.cfg.PongTimeout)); err != nil {
		return err
	}
	return ws.WriteJSON(&types.Message{Type: types.MessagePing})
}

// awaitPong waits for the pong reply, still delivering data messages that
// arrive in the meantime.
func (c *Client) awaitPong(pongCh <-chan struct{}, msgCh <-chan *types.Message, errCh <-chan error) error {
	deadline := time.NewTimer(c.cfg.PongTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-pongCh:
			return nil
		case msg := <-msgCh:
			if c.cfg.OnMessage != nil {
				c.cfg.OnMessage(msg)
			}
		case err := <-errCh:
			return err
		case <-deadline.C:
			return fmt.Errorf("no pong within %s", c.cfg.PongTimeout)
		}
	}
}

// backoffOrGiveUp handles one connection failure: sleep the jittered
// backoff and return true to retry, or transition to Disconnected and
// wait for a manual Retry. Returns false only when stopped.
func (c *Client) backoffOrGiveUp(cause error) bool {
	c.mu.Lock()
	c.attempts++
	c.lastErr = cause
	attempts := c.attempts
	c.mu.Unlock()

	if attempts > c.cfg.MaxReconnectAttempts {
		c.setState(StateDisconnected, cause)
		c.logger.Error().Err(cause).Int("attempts", attempts-1).
			Msg("reconnect attempts exhausted, falling back to polling")

		// Terminal until manual retry.
		select {
		case <-c.retryCh:
			return true
		case <-c.stopCh:
			return false
		}
	}

	c.setState(StateReconnecting, cause)
	delay := c.sched.BackoffJitter(attempts-1, c.cfg.Jitter)
	c.logger.Debug().Dur("delay", delay).Int("attempt", attempts).Msg("reconnecting")

	select {
	case <-time.After(delay):
		return true
	case <-c.retryCh:
		return true
	case <-c.stopCh:
		return false
	}
}

// pollLoop invokes the poll fallback whenever the push channel is not
// available, so event state stays observable regardless.
func (c *Client) pollLoop() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.State() != StateConnected {
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PollInterval)
				c.cfg.Poll(ctx)
				cancel()
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) setState(state State, err error) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()

	if changed && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state, err)
	}
}

func (c *Client) closeSocket() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}
