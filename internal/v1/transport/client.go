package transport

import (
	"context"
	"sync"
	"time"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/logging"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/protocol"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/server"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeWait bounds a single frame write to a client.
const writeWait = 10 * time.Second

// wsConnection is the slice of *websocket.Conn the pumps need. Tests swap in
// mock connections.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
}

// wsClient adapts a WebSocket connection into the server.Sink contract: a
// bounded outbound queue drained by writePump, and a kick signal that flushes
// a close frame.
type wsClient struct {
	conn      wsConnection
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn wsConnection, queueSize int) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// TrySend enqueues a frame without blocking. False means the queue is full;
// the server will drop this connection.
func (c *wsClient) TrySend(frame []byte) bool {
	select {
	case <-c.done:
		return true // connection is going away; swallow silently
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Kick signals the pumps to shut the connection down.
func (c *wsClient) Kick(code protocol.ErrorCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains the outbound queue onto the socket. It exits when the
// connection is kicked or a write fails, closing the socket either way so
// readPump unblocks.
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			// Drain whatever is already queued before the close frame.
			for {
				select {
				case frame := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Debug(context.Background(), "Write failed, closing connection", zap.Error(err))
				return
			}
		}
	}
}

// readPump feeds inbound frames to the state machine. Each frame is handled
// to completion before the next read, which is what gives single-client
// message ordering.
func (c *wsClient) readPump(srv *server.GameServer, client *server.Client, maxMessageSize int64) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "Recovered from panic in read loop", zap.Any("panic", r))
		}
		srv.UnregisterClient(client)
		c.Kick("", "read loop exit")
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		srv.HandleMessage(client, data)
	}
}
