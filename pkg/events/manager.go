package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// heartbeatInterval is how long a connection may be silent before the
// server sends a ping frame.
const heartbeatInterval = 20 * time.Second

// ClientMessage is the JSON structure for client → server WebSocket
// messages. "subscribe" switches (or starts) the event subscription;
// "pong" and "ping" keep the connection alive.
type ClientMessage struct {
	Type           string `json:"type"` // "subscribe", "ping", "pong"
	ConversationID string `json:"conversation_id,omitempty"`
	LastEventID    int64  `json:"last_event_id,omitempty"`
}

// Replayer queries stored events for subscription catch-up. Implemented by
// eventstore.Store.
type Replayer interface {
	QueryAfter(ctx context.Context, conversationID string, afterEventID int64) ([]*Event, error)
}

// Connection represents a single WebSocket client. The read loop (owned by
// HandleConnection) and the write loop (one goroutine per connection) share
// only the context and the subscription hand-off channel.
type Connection struct {
	ID   string
	conn *websocket.Conn

	subCh  chan *Subscriber // read loop → write loop subscription hand-off
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	sub *Subscriber // current subscription, for unregister on close
}

// ConnectionManager manages WebSocket connections: hello/subscribe
// protocol, replay from the store, live delivery from the hub, heartbeat.
type ConnectionManager struct {
	hub          *Hub
	replayer     Replayer
	writeTimeout time.Duration
	maxBuffered  int

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewConnectionManager creates a manager delivering through hub, replaying
// from replayer, with the given per-subscriber buffer.
func NewConnectionManager(hub *Hub, replayer Replayer, writeTimeout time.Duration, maxBuffered int) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		hub:          hub,
		replayer:     replayer,
		writeTimeout: writeTimeout,
		maxBuffered:  maxBuffered,
		connections:  make(map[string]*Connection),
	}
}

// ActiveConnections returns the count of open WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// HandleConnection manages the lifecycle of one WebSocket connection.
// Blocks until the connection closes. If initialConversation is non-empty
// the connection starts subscribed to it (from event id 0).
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, initialConversation string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:     uuid.New().String(),
		conn:   conn,
		subCh:  make(chan *Subscriber, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]any{
		"type":           "hello",
		"server_time":    Now(),
		"schema_version": SchemaVersion,
	})

	go m.writeLoop(c)

	if initialConversation != "" {
		m.subscribe(ctx, c, initialConversation, 0)
	}

	// Read loop — until the peer disconnects or errors.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe":
			m.subscribe(ctx, c, msg.ConversationID, msg.LastEventID)
		case "ping":
			m.sendJSON(c, map[string]any{"type": "pong", "ts": Now()})
		case "pong":
			// Heartbeat answer — nothing to do.
		default:
			m.sendJSON(c, map[string]any{
				"type":    "error",
				"message": "unknown message type",
			})
		}
	}
}

// subscribe switches the connection to a conversation: registers a fresh
// hub subscriber, replays stored events after lastEventID into its queue,
// then hands the subscriber to the write loop for live draining.
//
// A live event published between Register and the end of replay can be
// delivered twice; clients deduplicate by event_id (ordering authority).
func (m *ConnectionManager) subscribe(ctx context.Context, c *Connection, conversationID string, lastEventID int64) {
	if conversationID == "" {
		conversationID = DefaultConversationID
	}

	sub := m.hub.Register(conversationID, m.maxBuffered)

	c.mu.Lock()
	old := c.sub
	c.sub = sub
	c.mu.Unlock()
	if old != nil {
		m.hub.Unregister(old)
	}

	if m.replayer != nil {
		replayed, err := m.replayer.QueryAfter(ctx, conversationID, lastEventID)
		if err != nil {
			slog.Error("Replay query failed",
				"connection_id", c.ID, "conversation_id", conversationID, "error", err)
		} else {
			for _, evt := range replayed {
				m.hub.Enqueue(sub, evt)
			}
		}
	}

	// Hand the (possibly replaced) subscription to the write loop.
	select {
	case c.subCh <- sub:
	case <-c.ctx.Done():
	}
}

// writeLoop drains the current subscription queue to the socket and sends
// heartbeat pings during silence. One goroutine per connection; exits when
// the connection context is cancelled.
func (m *ConnectionManager) writeLoop(c *Connection) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var queue <-chan *Event // nil until the first subscribe
	for {
		select {
		case <-c.ctx.Done():
			return

		case sub := <-c.subCh:
			queue = sub.Events()
			ticker.Reset(heartbeatInterval)

		case evt, ok := <-queue:
			if !ok {
				// Subscription replaced; wait for the next hand-off.
				queue = nil
				continue
			}
			if err := m.sendEvent(c, evt); err != nil {
				c.cancel()
				return
			}
			ticker.Reset(heartbeatInterval)

		case <-ticker.C:
			if err := m.sendRaw(c, mustMarshal(map[string]any{"type": "ping", "ts": Now()})); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (m *ConnectionManager) sendEvent(c *Connection, evt *Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("Failed to marshal event for WebSocket",
			"connection_id", c.ID, "type", evt.Type, "error", err)
		return nil
	}
	return m.sendRaw(c, data)
}

// sendJSON marshals and sends a JSON message to a single connection.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		m.hub.Unregister(sub)
	}

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
