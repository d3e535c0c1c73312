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

// mockReplayer implements Replayer for tests.
type mockReplayer struct {
	byConversation map[string][]*Event
	err            error
}

func (m *mockReplayer) QueryAfter(_ context.Context, conversationID string, afterEventID int64) ([]*Event, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*Event
	for _, evt := range m.byConversation[conversationID] {
		if evt.EventID > afterEventID {
			out = append(out, evt)
		}
	}
	return out, nil
}

func storedEvent(conversationID string, eventID int64) *Event {
	return &Event{
		EventID:        eventID,
		TS:             Now(),
		ConversationID: conversationID,
		Emitter:        PersonaEmitter,
		Channel:        ChannelText,
		Stored:         true,
		Type:           TypeChatMessage,
		Severity:       SeverityInfo,
		SchemaVersion:  SchemaVersion,
		Payload:        map[string]any{},
	}
}

func setupTestManager(t *testing.T, replayer Replayer) (*Hub, *ConnectionManager, *httptest.Server) {
	t.Helper()

	hub := NewHub()
	manager := NewConnectionManager(hub, replayer, 5*time.Second, 16)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn, r.URL.Query().Get("conversation_id"))
	}))

	t.Cleanup(func() { server.Close() })
	return hub, manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
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

func TestConnectionManager_Hello(t *testing.T) {
	_, _, server := setupTestManager(t, &mockReplayer{})
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "hello", msg["type"])
	assert.Equal(t, SchemaVersion, msg["schema_version"])
	assert.NotEmpty(t, msg["server_time"])
}

func TestConnectionManager_SubscribeReplaysAfterLastEventID(t *testing.T) {
	replayer := &mockReplayer{byConversation: map[string][]*Event{
		"conv2": {
			storedEvent("conv2", 1), storedEvent("conv2", 2), storedEvent("conv2", 3),
			storedEvent("conv2", 4), storedEvent("conv2", 5),
		},
	}}
	_, _, server := setupTestManager(t, replayer)
	conn := connectWS(t, server)
	readJSON(t, conn) // hello

	writeJSON(t, conn, ClientMessage{Type: "subscribe", ConversationID: "conv2", LastEventID: 2})

	for _, want := range []float64{3, 4, 5} {
		msg := readJSON(t, conn)
		assert.Equal(t, want, msg["event_id"])
		assert.Equal(t, "conv2", msg["conversation_id"])
	}
}

func TestConnectionManager_LiveDeliveryAfterReplay(t *testing.T) {
	hub, _, server := setupTestManager(t, &mockReplayer{})
	conn := connectWS(t, server)
	readJSON(t, conn) // hello

	writeJSON(t, conn, ClientMessage{Type: "subscribe", ConversationID: "conv1"})

	// Wait until the hub registered the subscriber before publishing.
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("conv1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Publish("conv1", storedEvent("conv1", 1))

	msg := readJSON(t, conn)
	assert.Equal(t, float64(1), msg["event_id"])
	assert.Equal(t, TypeChatMessage, msg["type"])
}

func TestConnectionManager_InitialConversationSubscribes(t *testing.T) {
	replayer := &mockReplayer{byConversation: map[string][]*Event{
		"boot": {storedEvent("boot", 1)},
	}}
	_, _, server := setupTestManager(t, replayer)

	url := "ws" + server.URL[len("http"):] + "?conversation_id=boot"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	hello := readJSON(t, conn)
	assert.Equal(t, "hello", hello["type"])
	replayed := readJSON(t, conn)
	assert.Equal(t, float64(1), replayed["event_id"])
}

func TestConnectionManager_PingPong(t *testing.T) {
	_, _, server := setupTestManager(t, &mockReplayer{})
	conn := connectWS(t, server)
	readJSON(t, conn) // hello

	writeJSON(t, conn, ClientMessage{Type: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_UnregisterOnDisconnect(t *testing.T) {
	hub, manager, server := setupTestManager(t, &mockReplayer{})
	conn := connectWS(t, server)
	readJSON(t, conn) // hello

	writeJSON(t, conn, ClientMessage{Type: "subscribe", ConversationID: "conv1"})
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("conv1") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, manager.ActiveConnections())

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("conv1") == 0 && manager.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionManager_ReplayErrorKeepsConnectionAlive(t *testing.T) {
	hub, _, server := setupTestManager(t, &mockReplayer{err: assert.AnError})
	conn := connectWS(t, server)
	readJSON(t, conn) // hello

	writeJSON(t, conn, ClientMessage{Type: "subscribe", ConversationID: "conv1"})
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("conv1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Live delivery still works despite the failed replay.
	hub.Publish("conv1", storedEvent("conv1", 9))
	msg := readJSON(t, conn)
	assert.Equal(t, float64(9), msg["event_id"])
}
