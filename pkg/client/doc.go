/*
Package client implements the dashboard side of the live event feed:
connect, consume pushed messages, heartbeat, and recover.

# Lifecycle

	Connecting ──ok──> Connected ──failure──> Reconnecting ─┐
	    ▲                  ▲                                │
	    │                  └────── backoff + jitter <───────┘
	    │                                                   │ cap hit
	 Retry() <──────────────── Disconnected <───────────────┘

While Connected the client pings every HeartbeatInterval and declares the
connection dead if no pong arrives within PongTimeout. Reconnect delays
grow exponentially with random jitter so a restarted hub is not hit by
every client at once; a successful connection resets the attempt counter.
After MaxReconnectAttempts consecutive failures the client goes
Disconnected and stays there until Retry is called.

Suspend pauses heartbeats for backgrounded consumers; Resume force-closes
the socket if the connection went stale meanwhile, so the run loop
reconnects instead of trusting a half-dead socket.

If a Poll callback is configured it fires on PollInterval whenever the
client is not Connected, keeping event state observable with or without
the push channel.
*/
package client
