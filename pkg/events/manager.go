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

// catchupLimit is the maximum number of events returned in one catchup
// response. Clients that missed more are told to do a full REST reload.
const catchupLimit = 200

// wildcardChannel keys connections subscribed to every task's events.
const wildcardChannel = ""

// ConnectionManager bridges the event bus to WebSocket clients. Each
// process has one instance; it holds a single wildcard bus subscription
// and routes events to connections by task id.
type ConnectionManager struct {
	bus *Bus

	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: task id (or wildcardChannel) → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	busSubID     string
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed without a lock. This is safe because all reads
// and writes happen on the goroutine that owns the connection
// (HandleConnection's read loop and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a connection manager over the given bus.
func NewConnectionManager(bus *Bus, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		bus:          bus,
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
	}
}

// Start installs the wildcard bus subscription that feeds all WebSocket
// clients. Call once during startup.
func (m *ConnectionManager) Start() {
	m.busSubID = m.bus.Subscribe(func(evt Event) error {
		m.route(evt)
		return nil
	})
}

// Stop removes the bus subscription. In-flight connections close on their
// own contexts.
func (m *ConnectionManager) Stop() {
	if m.busSubID != "" {
		m.bus.Unsubscribe(m.busSubID)
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the HTTP handler after upgrade; blocks until the connection
// closes. initialTaskID, when non-empty, auto-subscribes the client to
// that task's events (the ?taskId= query parameter).
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, initialTaskID string) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":      "subscribed",
		"clientId":  connID,
		"timestamp": time.Now().Format(time.RFC3339Nano),
	})

	if initialTaskID != "" {
		m.subscribe(c, initialTaskID)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or errored; exit the read loop.
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported; tests poll this instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		m.subscribe(c, msg.TaskID)
		m.sendJSON(c, map[string]string{
			"type":      "subscribed",
			"clientId":  c.ID,
			"timestamp": time.Now().Format(time.RFC3339Nano),
		})
		// Auto catch-up so late subscribers see prior events for the task.
		m.handleCatchup(c, msg.TaskID, msg.SinceID)

	case "unsubscribe":
		m.unsubscribe(c, msg.TaskID)

	case "catchup":
		m.handleCatchup(c, msg.TaskID, msg.SinceID)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// route delivers one bus event to every subscribed connection. Events
// without a task id go to wildcard subscribers only.
func (m *ConnectionManager) route(evt Event) {
	payload, err := json.Marshal(WireEvent{Type: "event", Event: evt})
	if err != nil {
		slog.Warn("Failed to marshal event for delivery", "event_id", evt.ID, "error", err)
		return
	}

	m.channelMu.RLock()
	ids := make(map[string]bool)
	for id := range m.channels[wildcardChannel] {
		ids[id] = true
	}
	if evt.TaskID != "" {
		for id := range m.channels[evt.TaskID] {
			ids[id] = true
		}
	}
	m.channelMu.RUnlock()

	if len(ids) == 0 {
		return
	}

	// Snapshot connection pointers, then send without holding the lock;
	// writes can take up to writeTimeout per connection.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

func (m *ConnectionManager) subscribe(c *Connection, taskID string) {
	m.channelMu.Lock()
	if _, exists := m.channels[taskID]; !exists {
		m.channels[taskID] = make(map[string]bool)
	}
	m.channels[taskID][c.ID] = true
	m.channelMu.Unlock()

	c.subscriptions[taskID] = true
}

func (m *ConnectionManager) unsubscribe(c *Connection, taskID string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[taskID]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, taskID)
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, taskID)
}

// handleCatchup replays retained events since the client's cursor,
// filtered by task id when one was given. If the cursor predates the
// oldest retained event the client is told it lost events and should do
// a full REST reload.
func (m *ConnectionManager) handleCatchup(c *Connection, taskID, sinceID string) {
	evts, lost := m.bus.SinceID(sinceID)

	sent := 0
	for _, evt := range evts {
		if taskID != "" && evt.TaskID != taskID {
			continue
		}
		if sent >= catchupLimit {
			lost = true
			break
		}
		payload, err := json.Marshal(WireEvent{Type: "event", Event: evt})
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return
		}
		sent++
	}

	if lost {
		m.sendJSON(c, map[string]any{
			"type":       "catchup.overflow",
			"taskId":     taskID,
			"lostEvents": true,
		})
	}
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
