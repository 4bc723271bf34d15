package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mailpilot/internal/config"
	"github.com/harun/mailpilot/internal/tracing"
	"github.com/harun/mailpilot/pkg/chat"
)

var nopLogger = zerolog.Nop()

func TestAgentProvider(t *testing.T) {
	t.Run("should post the latest user message as a form", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/runs", r.URL.Path)
			assert.Equal(t, "basic_agent", r.URL.Query().Get("agent_id"))
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "Archive old emails", r.PostForm.Get("message"))
			assert.Equal(t, "false", r.PostForm.Get("stream"))
			assert.Equal(t, "sess-1", r.PostForm.Get("session_id"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"content":"Archived 12 emails.","metrics":{"input_tokens":[10,5],"output_tokens":[7]}}`))
		}))
		defer server.Close()

		p, err := NewAgentProvider(server.URL+"/", "", nil)
		require.NoError(t, err)

		ctx := tracing.WithSessionID(context.Background(), "sess-1")
		resp, err := p.Call(ctx, Request{Messages: []chat.Turn{
			{Role: chat.RoleUser, Content: "hello"},
			{Role: chat.RoleAssistant, Content: "hi"},
			{Role: chat.RoleUser, Content: "Archive old emails"},
		}})
		require.NoError(t, err)
		assert.Equal(t, "Archived 12 emails.", resp.Content)
		require.NotNil(t, resp.Usage)
		assert.Equal(t, 15, resp.Usage.InputTokens)
		assert.Equal(t, 7, resp.Usage.OutputTokens)
	})

	t.Run("should surface error details", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"detail":"agent is warming up"}`))
		}))
		defer server.Close()

		p, err := NewAgentProvider(server.URL, "mail_agent", nil)
		require.NoError(t, err)

		_, err = p.Call(context.Background(), Request{Messages: []chat.Turn{{Role: chat.RoleUser, Content: "x"}}})
		assert.ErrorContains(t, err, "503")
		assert.ErrorContains(t, err, "agent is warming up")
		assert.True(t, IsRetryableError(err))
	})

	t.Run("should reject responses without content", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"run_id":"r1"}`))
		}))
		defer server.Close()

		p, err := NewAgentProvider(server.URL, "", nil)
		require.NoError(t, err)

		_, err = p.Call(context.Background(), Request{Messages: []chat.Turn{{Role: chat.RoleUser, Content: "x"}}})
		assert.ErrorContains(t, err, "no content")
	})

	t.Run("should require a base url and a user message", func(t *testing.T) {
		_, err := NewAgentProvider("", "", nil)
		assert.Error(t, err)

		p, err := NewAgentProvider("http://127.0.0.1:1", "", nil)
		require.NoError(t, err)
		_, err = p.Call(context.Background(), Request{})
		assert.Error(t, err)
	})
}

func TestProviderFactory(t *testing.T) {
	f := &ProviderFactory{}

	t.Run("should build known providers", func(t *testing.T) {
		for _, name := range []string{"anthropic", "openai"} {
			p, err := f.NewProvider(config.ProviderProfile{ID: name, Provider: name, APIKey: "k"})
			require.NoError(t, err)
			assert.Equal(t, name, p.Provider())
		}

		p, err := f.NewProvider(config.ProviderProfile{Provider: "agent", BaseURL: "http://localhost:8001"})
		require.NoError(t, err)
		assert.Equal(t, "agent", p.Provider())
	})

	t.Run("should reject unknown providers", func(t *testing.T) {
		_, err := f.NewProvider(config.ProviderProfile{Provider: "cohere"})
		assert.Error(t, err)
	})
}

func TestEcho(t *testing.T) {
	t.Run("should acknowledge the latest user message", func(t *testing.T) {
		e := NewEcho(0)
		reply, err := e.Reply(context.Background(), []chat.Turn{{Role: chat.RoleUser, Content: "Summarize my inbox"}})
		require.NoError(t, err)
		assert.Contains(t, reply, `I understand you want help with: "Summarize my inbox"`)
		assert.Contains(t, reply, "Gmail AI assistant")
		assert.Equal(t, "echo", e.Name())
	})

	t.Run("should stop waiting when cancelled", func(t *testing.T) {
		e := NewEcho(time.Hour)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := e.Reply(ctx, []chat.Turn{{Role: chat.RoleUser, Content: "x"}})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should drive a session end to end", func(t *testing.T) {
		d, err := chat.NewAsyncDispatcher(NewEcho(time.Millisecond))
		require.NoError(t, err)
		s := chat.NewSession(chat.WithDispatcher(d))

		_, err = s.Submit(context.Background(), "Archive old emails")
		require.NoError(t, err)
		d.Wait()

		timeline := s.Timeline()
		require.Len(t, timeline, 2)
		assert.Contains(t, timeline[1].Content, "Archive old emails")
	})
}

func TestNew(t *testing.T) {
	t.Run("should build echo by default", func(t *testing.T) {
		b, err := New(config.BackendConfig{}, nopLogger)
		require.NoError(t, err)
		assert.Equal(t, "echo", b.Name())
	})

	t.Run("should build failover in llm mode", func(t *testing.T) {
		b, err := New(config.BackendConfig{
			Mode:     config.BackendModeLLM,
			Profiles: []config.ProviderProfile{{ID: "a", Provider: "openai", APIKey: "k"}},
		}, nopLogger)
		require.NoError(t, err)
		assert.Equal(t, "llm", b.Name())
	})

	t.Run("should reject unknown modes", func(t *testing.T) {
		_, err := New(config.BackendConfig{Mode: "magic"}, nopLogger)
		assert.Error(t, err)
	})
}
