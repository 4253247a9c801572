// Package session implements the realtime surface of the server: the
// WebSocket hub, the per-connection client, and the event router that binds
// commands, chat, presence, clock sync, and SFU token grants to the shared
// store and cross-node bus.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/watchroom-live/backend/internal/v1/logging"
	"github.com/watchroom-live/backend/internal/v1/metrics"
)

// writeWait bounds a single WebSocket write.
const writeWait = 10 * time.Second

// sendBufferSize is the per-client outbound queue. A subscriber whose queue
// is full when a push arrives is disconnected; reconnecting replays the room
// state, which is cheaper than unbounded buffering.
const sendBufferSize = 256

// wsConnection is the subset of *websocket.Conn the client uses. Tests
// substitute mock connections to simulate errors and disconnects.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one user's WebSocket connection. A user may hold several clients
// at once (multiple tabs); presence counts connections per user.
type Client struct {
	conn wsConnection
	send chan []byte
	hub  *Hub

	UserID      string
	DisplayName string
	IsAnonymous bool

	mu         sync.Mutex
	roomID     string
	inCall     bool
	closed     bool
	done       chan struct{}
	cancelUser context.CancelFunc
}

// RoomID returns the room this client has joined, or "".
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) setRoomID(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
}

func (c *Client) setInCall(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inCall = v
}

func (c *Client) isInCall() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inCall
}

// readPump reads frames until the connection drops, routing each envelope
// through the hub. Runs in its own goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleClientDisconnect(c)
		c.Disconnect()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn(context.Background(), "Dropping malformed frame",
				zap.String("user_id", c.UserID), zap.Error(err))
			continue
		}

		ctx := context.WithValue(context.Background(), logging.UserIDKey, c.UserID)
		c.hub.route(ctx, c, env)
	}
}

// writePump drains the send queue onto the connection. Runs in its own
// goroutine; exits when Disconnect closes the queue.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "WebSocket write failed",
				zap.String("user_id", c.UserID), zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Disconnect tears the connection down exactly once. The send queue is closed
// under the client mutex so a concurrent enqueue can never hit the closed
// channel.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	close(c.send)
	c.mu.Unlock()

	if c.cancelUser != nil {
		c.cancelUser()
	}
}

// enqueue places a marshaled frame on the send queue. Returns false when the
// client is too slow to keep up; the caller disconnects it. Serialized with
// Disconnect through the client mutex.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true // already closing, drop silently
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendEvent marshals and enqueues a frame, disconnecting the client when its
// queue is full.
func (c *Client) sendEvent(id int64, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound payload",
			zap.String("event", event), zap.Error(err))
		return
	}
	frame, err := json.Marshal(Envelope{ID: id, Event: event, Data: data})
	if err != nil {
		return
	}
	if !c.enqueue(frame) {
		metrics.SubscriberDisconnects.Inc()
		logging.Warn(context.Background(), "Disconnecting slow subscriber",
			zap.String("user_id", c.UserID), zap.String("event", event))
		c.Disconnect()
	}
}

// ack answers a client request.
func (c *Client) ack(id int64, payload any) {
	c.sendEvent(id, EventAck, payload)
}

// ackError answers a client request with a typed error.
func (c *Client) ackError(id int64, code string) {
	c.ack(id, errorAck{OK: false, Error: code})
}
