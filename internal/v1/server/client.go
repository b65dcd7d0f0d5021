package server

import (
	"sync"
	"time"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/protocol"
	"github.com/google/uuid"
)

// Sink is the outbound half of a client connection, provided by the transport
// layer. TrySend must never block: it reports false when the bounded queue is
// full, and the server reacts by dropping the connection.
type Sink interface {
	TrySend(frame []byte) bool
	Kick(code protocol.ErrorCode, reason string)
}

// Client is the server-side record of one WebSocket connection. The id starts
// out as a fresh connection id and is rebound to the original player id when
// the client resumes a session with a reconnect token.
type Client struct {
	mu            sync.Mutex
	id            uuid.UUID
	sink          Sink
	ip            string
	appID         string
	fingerprint   string
	lastHeartbeat time.Time
	closed        bool
}

// ID returns the client's current identity.
func (c *Client) ID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) setID(id uuid.UUID) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// AppID returns the authenticated application id, if any.
func (c *Client) AppID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appID
}

// Fingerprint returns the client-certificate fingerprint captured at upgrade.
func (c *Client) Fingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint
}

// heartbeatWithin reports whether the previous heartbeat arrived within d and
// stamps the new one otherwise.
func (c *Client) heartbeatWithin(now time.Time, d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastHeartbeat) < d {
		return true
	}
	c.lastHeartbeat = now
	return false
}

func (c *Client) heartbeatAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastHeartbeat)
}

func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *Client) trySend(frame []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return true // silently drop; connection is already going away
	}
	sink := c.sink
	c.mu.Unlock()
	return sink.TrySend(frame)
}
