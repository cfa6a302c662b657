package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManager(t *testing.T) (*Bus, *ConnectionManager, *httptest.Server) {
	t.Helper()

	bus := NewBus(100)
	manager := NewConnectionManager(bus, 5*time.Second)
	manager.Start()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn, r.URL.Query().Get("taskId"))
	}))

	t.Cleanup(func() {
		server.Close()
		manager.Stop()
	})
	return bus, manager, server
}

func connectWS(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):] + query
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func waitForSubscribers(t *testing.T, manager *ConnectionManager, channel string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if manager.subscriberCount(channel) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel %q never reached %d subscribers", channel, want)
}

func TestConnectionManager_SubscribedConfirmation(t *testing.T) {
	_, _, server := setupTestManager(t)
	conn := connectWS(t, server, "")

	msg := readJSON(t, conn)
	assert.Equal(t, "subscribed", msg["type"])
	assert.NotEmpty(t, msg["clientId"])
	assert.NotEmpty(t, msg["timestamp"])
}

func TestConnectionManager_TaskFilteredDelivery(t *testing.T) {
	bus, manager, server := setupTestManager(t)
	conn := connectWS(t, server, "?taskId=task-1")
	readJSON(t, conn) // subscribed

	waitForSubscribers(t, manager, "task-1", 1)

	bus.Publish(EventTaskStart, "task-2", nil)
	bus.Publish(EventTaskStart, "task-1", map[string]any{"request": "hi"})

	msg := readJSON(t, conn)
	assert.Equal(t, "event", msg["type"])
	evt := msg["event"].(map[string]any)
	assert.Equal(t, EventTaskStart, evt["type"])
	assert.Equal(t, "task-1", evt["taskId"])
}

func TestConnectionManager_WildcardDelivery(t *testing.T) {
	bus, manager, server := setupTestManager(t)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // subscribed

	writeJSON(t, conn, ClientMessage{Action: "subscribe"})
	readJSON(t, conn) // subscribe confirmation
	waitForSubscribers(t, manager, wildcardChannel, 1)

	bus.Publish(EventBudgetWarning, "", map[string]any{"used": 80})

	msg := readJSON(t, conn)
	evt := msg["event"].(map[string]any)
	assert.Equal(t, EventBudgetWarning, evt["type"])
}

func TestConnectionManager_CatchupReplaysHistory(t *testing.T) {
	bus, manager, server := setupTestManager(t)

	// Events published before the client connected.
	bus.Publish(EventTaskStart, "task-9", nil)
	bus.Publish(EventTaskComplete, "task-9", nil)

	conn := connectWS(t, server, "")
	readJSON(t, conn) // subscribed

	writeJSON(t, conn, ClientMessage{Action: "subscribe", TaskID: "task-9"})
	readJSON(t, conn) // subscribe confirmation
	waitForSubscribers(t, manager, "task-9", 1)

	first := readJSON(t, conn)
	second := readJSON(t, conn)
	assert.Equal(t, EventTaskStart, first["event"].(map[string]any)["type"])
	assert.Equal(t, EventTaskComplete, second["event"].(map[string]any)["type"])
}

func TestConnectionManager_CatchupLostEvents(t *testing.T) {
	bus, _, server := setupTestManager(t)

	// Overflow the 100-entry ring so the oldest events are evicted.
	for i := 0; i < 150; i++ {
		bus.Publish(EventLog, "task-x", nil)
	}

	conn := connectWS(t, server, "")
	readJSON(t, conn) // subscribed

	writeJSON(t, conn, ClientMessage{Action: "catchup", TaskID: "task-x", SinceID: "evt_1_0"})

	// 100 retained events, then the overflow notice.
	var last map[string]any
	for i := 0; i < 101; i++ {
		last = readJSON(t, conn)
	}
	assert.Equal(t, "catchup.overflow", last["type"])
	assert.Equal(t, true, last["lostEvents"])
}

func TestConnectionManager_Ping(t *testing.T) {
	_, _, server := setupTestManager(t)
	conn := connectWS(t, server, "")
	readJSON(t, conn) // subscribed

	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}
