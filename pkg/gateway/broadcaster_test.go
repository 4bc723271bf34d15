package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBroadcaster_BroadcastTypedAddsSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", Conn: serverConn})
	registry.Authenticate("client-1")

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.BroadcastTyped(EventMessage{
		Event:   "chat.state",
		Stream:  StreamTypeChat,
		Phase:   "message.appended",
		Data:    map[string]interface{}{"ok": true},
		TraceID: "trace-1",
	})
	broadcaster.BroadcastTyped(EventMessage{
		Event:  "chat.state",
		Stream: StreamTypeChat,
		Phase:  "pending.changed",
		Data:   map[string]interface{}{"ok": true},
	})

	first := readEvent(t, clientConn)
	second := readEvent(t, clientConn)

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, StreamTypeChat, first.Stream)
	assert.Equal(t, "message.appended", first.Phase)
	assert.NotZero(t, first.Seq)
	assert.Equal(t, "trace-1", first.TraceID)

	assert.Equal(t, "pending.changed", second.Phase)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestEventBroadcaster_Broadcast(t *testing.T) {
	t.Run("should assign type and sequence", func(t *testing.T) {
		serverConn, clientConn, cleanup := websocketConnPair(t)
		defer cleanup()

		registry := NewClientRegistry()
		registry.Add(&Client{ID: "client-1", Conn: serverConn})
		registry.Authenticate("client-1")

		NewEventBroadcaster(registry, zerolog.Nop()).Broadcast("server.notice", map[string]interface{}{"ok": true})

		event := readEvent(t, clientConn)
		assert.Equal(t, "event", event.Type)
		assert.Equal(t, "server.notice", event.Event)
		assert.NotZero(t, event.Seq)
		assert.NotZero(t, event.Timestamp)
	})

	t.Run("should skip unauthenticated clients", func(t *testing.T) {
		serverConn, clientConn, cleanup := websocketConnPair(t)
		defer cleanup()

		registry := NewClientRegistry()
		registry.Add(&Client{ID: "client-1", Conn: serverConn})

		NewEventBroadcaster(registry, zerolog.Nop()).Broadcast("server.notice", nil)

		require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		var event EventMessage
		assert.Error(t, clientConn.ReadJSON(&event))
	})
}

func TestEventBroadcaster_BroadcastToSession(t *testing.T) {
	watching, watchingClient, cleanup1 := websocketConnPair(t)
	defer cleanup1()
	other, otherClient, cleanup2 := websocketConnPair(t)
	defer cleanup2()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "watching", Conn: watching})
	registry.Add(&Client{ID: "other", Conn: other})
	registry.Authenticate("watching")
	registry.Authenticate("other")
	require.True(t, registry.Subscribe("watching", "main"))

	NewEventBroadcaster(registry, zerolog.Nop()).BroadcastToSession("main", EventMessage{Event: "chat.state"})

	event := readEvent(t, watchingClient)
	assert.Equal(t, "main", event.Session)

	require.NoError(t, otherClient.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var none EventMessage
	assert.Error(t, otherClient.ReadJSON(&none))
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()

	var event EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
