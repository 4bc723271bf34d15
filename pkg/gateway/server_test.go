package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mailpilot/pkg/chat"
	"github.com/harun/mailpilot/pkg/history"
)

const testSecret = "test-secret"

type upperBackend struct{}

func (upperBackend) Name() string { return "upper" }

func (upperBackend) Reply(_ context.Context, turns []chat.Turn) (string, error) {
	return strings.ToUpper(turns[len(turns)-1].Content), nil
}

type blockingBackend struct {
	release chan struct{}
}

func (blockingBackend) Name() string { return "blocking" }

func (b blockingBackend) Reply(ctx context.Context, _ []chat.Turn) (string, error) {
	select {
	case <-b.release:
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type testGateway struct {
	server *Server
	http   *httptest.Server
	store  history.Store
}

func newTestGateway(t *testing.T, secret string) *testGateway {
	return newTestGatewayWithBackend(t, secret, upperBackend{})
}

func newTestGatewayWithBackend(t *testing.T, secret string, backend chat.Backend) *testGateway {
	t.Helper()

	dispatcher, err := chat.NewAsyncDispatcher(backend, chat.WithDispatcherLogger(zerolog.Nop()))
	require.NoError(t, err)

	store, err := history.NewFileStore(t.TempDir())
	require.NoError(t, err)

	manager := chat.NewManager(
		chat.WithManagerDispatcher(dispatcher),
		chat.WithArchiver(history.NewArchiver(store)),
		chat.WithSuggestions(chat.NewSuggestions([]chat.Suggestion{
			{Text: "What's in my inbox?"},
			{Text: "Archive old emails"},
		})),
		chat.WithManagerLogger(zerolog.Nop()),
	)

	srv, err := NewServer(Config{
		SharedSecret: secret,
		Manager:      manager,
		History:      store,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		dispatcher.Wait()
	})

	return &testGateway{server: srv, http: ts, store: store}
}

func (g *testGateway) call(t *testing.T, method string, params map[string]interface{}) RPCResponse {
	t.Helper()

	body, err := json.Marshal(RPCRequest{ID: "1", Method: method, Params: params})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, g.http.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SecretHeader, testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func resultMap(t *testing.T, resp RPCResponse) map[string]interface{} {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	m, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	return m
}

func TestNewServer(t *testing.T) {
	t.Run("should require a session manager", func(t *testing.T) {
		_, err := NewServer(Config{Logger: zerolog.Nop()})
		assert.Error(t, err)
	})

	t.Run("should reject an invalid port", func(t *testing.T) {
		_, err := NewServer(Config{Port: 70000, Manager: chat.NewManager()})
		assert.Error(t, err)
	})

	t.Run("should skip history methods without a store", func(t *testing.T) {
		srv, err := NewServer(Config{Manager: chat.NewManager(), Logger: zerolog.Nop()})
		require.NoError(t, err)
		assert.True(t, srv.router.HasMethod("chat.submit"))
		assert.False(t, srv.router.HasMethod("history.list"))
	})
}

func TestServer_HTTP(t *testing.T) {
	t.Run("should serve healthz", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		resp, err := http.Get(g.http.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("should serve metrics", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		resp, err := http.Get(g.http.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("should reject a wrong secret", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		req, err := http.NewRequest(http.MethodPost, g.http.URL+"/rpc", strings.NewReader(`{"id":"1","method":"chat.list"}`))
		require.NoError(t, err)
		req.Header.Set(SecretHeader, "wrong")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should reject GET on rpc", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		resp, err := http.Get(g.http.URL + "/rpc")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("should answer malformed requests with a parse error", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		req, err := http.NewRequest(http.MethodPost, g.http.URL+"/rpc", strings.NewReader(`{nope`))
		require.NoError(t, err)
		req.Header.Set(SecretHeader, testSecret)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var out RPCResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		require.NotNil(t, out.Error)
		assert.Equal(t, ParseError, out.Error.Code)
	})
}

func TestServer_ChatMethods(t *testing.T) {
	t.Run("should run a conversation over HTTP", func(t *testing.T) {
		g := newTestGateway(t, testSecret)

		created := resultMap(t, g.call(t, "chat.create", map[string]interface{}{"sessionId": "main"}))
		assert.Equal(t, "main", created["session_id"])
		assert.Equal(t, chat.DefaultTitle, created["title"])

		submitted := resultMap(t, g.call(t, "chat.submit", map[string]interface{}{"sessionId": "main", "message": "hello"}))
		state := submitted["state"].(map[string]interface{})
		assert.Equal(t, "hello", state["title"])

		require.Eventually(t, func() bool {
			snap := resultMap(t, g.call(t, "chat.get", map[string]interface{}{"sessionId": "main"}))
			return snap["pending"] == false && len(snap["timeline"].([]interface{})) == 2
		}, 2*time.Second, 10*time.Millisecond)

		snap := resultMap(t, g.call(t, "chat.get", map[string]interface{}{"sessionId": "main"}))
		timeline := snap["timeline"].([]interface{})
		assert.Equal(t, "HELLO", timeline[1].(map[string]interface{})["content"])
	})

	t.Run("should map a second submit while pending to ReplyPending", func(t *testing.T) {
		release := make(chan struct{})
		g := newTestGatewayWithBackend(t, testSecret, blockingBackend{release: release})
		defer close(release)

		resultMap(t, g.call(t, "chat.create", map[string]interface{}{"sessionId": "main"}))
		resultMap(t, g.call(t, "chat.submit", map[string]interface{}{"sessionId": "main", "message": "first"}))

		resp := g.call(t, "chat.submit", map[string]interface{}{"sessionId": "main", "message": "second"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, ReplyPending, resp.Error.Code)
	})

	t.Run("should reject blank messages with InvalidParams", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		resultMap(t, g.call(t, "chat.create", map[string]interface{}{"sessionId": "main"}))

		resp := g.call(t, "chat.submit", map[string]interface{}{"sessionId": "main", "message": "   "})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("should report unknown sessions as NotFound", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		resp := g.call(t, "chat.get", map[string]interface{}{"sessionId": "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, NotFound, resp.Error.Code)
	})

	t.Run("should validate params against the schema", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		resp := g.call(t, "chat.get", map[string]interface{}{"session": "main"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("should stage drafts and submit them with enter", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		resultMap(t, g.call(t, "chat.create", map[string]interface{}{"sessionId": "main"}))

		snap := resultMap(t, g.call(t, "chat.setDraft", map[string]interface{}{"sessionId": "main", "draft": "line one"}))
		assert.Equal(t, true, snap["can_submit"])

		out := resultMap(t, g.call(t, "chat.enter", map[string]interface{}{"sessionId": "main", "newline": true}))
		assert.Equal(t, false, out["submitted"])
		assert.Equal(t, "line one\n", out["state"].(map[string]interface{})["draft"])

		out = resultMap(t, g.call(t, "chat.enter", map[string]interface{}{"sessionId": "main"}))
		assert.Equal(t, true, out["submitted"])
		assert.Equal(t, "", out["state"].(map[string]interface{})["draft"])
	})

	t.Run("should prefill suggestions", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		resultMap(t, g.call(t, "chat.create", map[string]interface{}{"sessionId": "main"}))

		list := resultMap(t, g.call(t, "chat.suggestions", nil))
		assert.Len(t, list["suggestions"], 2)

		snap := resultMap(t, g.call(t, "chat.prefill", map[string]interface{}{"sessionId": "main", "index": 1}))
		assert.Equal(t, "Archive old emails", snap["draft"])

		resp := g.call(t, "chat.prefill", map[string]interface{}{"sessionId": "main", "index": 9})
		assert.NotNil(t, resp.Error)
	})

	t.Run("should archive on reset and serve history", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		resultMap(t, g.call(t, "chat.create", map[string]interface{}{"sessionId": "main"}))
		resultMap(t, g.call(t, "chat.submit", map[string]interface{}{"sessionId": "main", "message": "archive me"}))

		require.Eventually(t, func() bool {
			snap := resultMap(t, g.call(t, "chat.get", map[string]interface{}{"sessionId": "main"}))
			return snap["pending"] == false
		}, 2*time.Second, 10*time.Millisecond)

		snap := resultMap(t, g.call(t, "chat.reset", map[string]interface{}{"sessionId": "main"}))
		assert.Empty(t, snap["timeline"])

		hist := resultMap(t, g.call(t, "history.list", nil))
		transcripts := hist["transcripts"].([]interface{})
		require.Len(t, transcripts, 1)
		id := transcripts[0].(map[string]interface{})["id"].(string)

		tr := resultMap(t, g.call(t, "history.get", map[string]interface{}{"id": id}))
		assert.Equal(t, "archive me", tr["title"])

		resp := g.call(t, "history.get", map[string]interface{}{"id": "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, NotFound, resp.Error.Code)
	})

	t.Run("should list and delete sessions", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		resultMap(t, g.call(t, "chat.create", map[string]interface{}{"sessionId": "a"}))
		resultMap(t, g.call(t, "chat.create", map[string]interface{}{"sessionId": "b"}))

		list := resultMap(t, g.call(t, "chat.list", nil))
		assert.Len(t, list["sessions"], 2)

		resultMap(t, g.call(t, "chat.delete", map[string]interface{}{"sessionId": "a"}))
		list = resultMap(t, g.call(t, "chat.list", nil))
		assert.Len(t, list["sessions"], 1)
	})

	t.Run("should refuse subscriptions over HTTP", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		resultMap(t, g.call(t, "chat.create", map[string]interface{}{"sessionId": "main"}))

		resp := g.call(t, "chat.subscribe", map[string]interface{}{"sessionId": "main"})
		assert.NotNil(t, resp.Error)
	})
}

func dialGateway(t *testing.T, g *testGateway) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func authenticate(t *testing.T, conn *websocket.Conn, secret string) {
	t.Helper()

	var challenge AuthChallenge
	readJSON(t, conn, &challenge)
	require.Equal(t, "auth.challenge", challenge.Event)

	require.NoError(t, conn.WriteJSON(AuthResponse{
		Method:    "auth.response",
		Signature: computeHMAC(challenge.Challenge, secret),
	}))

	var result AuthResult
	readJSON(t, conn, &result)
	require.True(t, result.Success)
}

func TestServer_WebSocket(t *testing.T) {
	t.Run("should require authentication before requests", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		conn := dialGateway(t, g)

		var challenge AuthChallenge
		readJSON(t, conn, &challenge)

		require.NoError(t, conn.WriteJSON(RPCRequest{ID: "1", Method: "chat.list"}))
		var resp RPCResponse
		readJSON(t, conn, &resp)
		require.NotNil(t, resp.Error)
		assert.Equal(t, AuthenticationRequired, resp.Error.Code)
	})

	t.Run("should close after too many bad signatures", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		conn := dialGateway(t, g)

		var challenge AuthChallenge
		readJSON(t, conn, &challenge)

		for i := 0; i < maxAuthAttempts; i++ {
			require.NoError(t, conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: "bad"}))
			var result AuthResult
			readJSON(t, conn, &result)
			assert.False(t, result.Success)
		}

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	})

	t.Run("should skip the challenge when auth is disabled", func(t *testing.T) {
		g := newTestGateway(t, "")
		conn := dialGateway(t, g)

		var result AuthResult
		readJSON(t, conn, &result)
		assert.True(t, result.Success)
	})

	t.Run("should push session state to subscribers", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		conn := dialGateway(t, g)
		authenticate(t, conn, testSecret)

		require.NoError(t, conn.WriteJSON(RPCRequest{
			ID:     "1",
			Method: "chat.create",
			Params: map[string]interface{}{"sessionId": "main"},
		}))
		var created RPCResponse
		readJSON(t, conn, &created)
		require.Nil(t, created.Error)

		require.NoError(t, conn.WriteJSON(RPCRequest{
			ID:     "2",
			Method: "chat.submit",
			Params: map[string]interface{}{"sessionId": "main", "message": "ping"},
		}))

		var sawReply bool
		deadline := time.Now().Add(3 * time.Second)
		for !sawReply && time.Now().Before(deadline) {
			var raw map[string]interface{}
			readJSON(t, conn, &raw)
			if raw["event"] != "chat.state" {
				continue
			}
			assert.Equal(t, "main", raw["session_id"])
			data := raw["data"].(map[string]interface{})
			event := data["event"].(map[string]interface{})
			if event["type"] != string(chat.EventMessageAppended) {
				continue
			}
			msg := event["message"].(map[string]interface{})
			if msg["role"] == string(chat.RoleAssistant) {
				assert.Equal(t, "PING", msg["content"])
				sawReply = true
			}
		}
		assert.True(t, sawReply)
	})
}

func TestServer_Broadcast(t *testing.T) {
	t.Run("should push an event to authenticated clients", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		conn := dialGateway(t, g)
		authenticate(t, conn, testSecret)

		g.server.Broadcast("config.reloaded", map[string]interface{}{"suggestions": 2})

		var event EventMessage
		readJSON(t, conn, &event)
		assert.Equal(t, "event", event.Type)
		assert.Equal(t, "config.reloaded", event.Event)
		assert.NotZero(t, event.Seq)
	})

	t.Run("should skip clients still in the challenge", func(t *testing.T) {
		g := newTestGateway(t, testSecret)
		conn := dialGateway(t, g)

		var challenge AuthChallenge
		readJSON(t, conn, &challenge)

		g.server.Broadcast("config.reloaded", nil)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	})
}

func TestServer_GetConnectedClients(t *testing.T) {
	g := newTestGateway(t, testSecret)
	assert.Empty(t, g.server.GetConnectedClients())

	conn := dialGateway(t, g)
	authenticate(t, conn, testSecret)

	require.NoError(t, conn.WriteJSON(RPCRequest{
		ID:     "1",
		Method: "chat.create",
		Params: map[string]interface{}{"sessionId": "main"},
	}))
	var created RPCResponse
	readJSON(t, conn, &created)
	require.Nil(t, created.Error)

	clients := g.server.GetConnectedClients()
	require.Len(t, clients, 1)
	assert.True(t, clients[0].Authenticated)
	assert.Equal(t, []string{"main"}, clients[0].Subscriptions)
}
