package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mailpilot/pkg/chat"
	"github.com/harun/mailpilot/pkg/history"
)

func okHandler(result interface{}) RequestHandler {
	return func(context.Context, map[string]interface{}) (interface{}, error) {
		return result, nil
	}
}

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		err := router.RegisterMethod("test.method", nil, okHandler("result"))
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should reject an invalid schema", func(t *testing.T) {
		err := router.RegisterMethod("test.schema", map[string]interface{}{"type": 42}, okHandler(nil))
		assert.Error(t, err)
		assert.False(t, router.HasMethod("test.schema"))
	})

	t.Run("should unregister method", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.gone", nil, okHandler(nil)))
		router.UnregisterMethod("test.gone")
		assert.False(t, router.HasMethod("test.gone"))
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		data := []byte(`{"id":"1","method":"test.method","params":{"key":"value"}}`)

		req, err := router.ParseRequest(data)
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "test.method", req.Method)
		assert.Equal(t, "value", req.Params["key"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	t.Run("should reject malformed JSON", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{invalid json}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, ParseError, rpcErr.Code)
	})

	t.Run("should reject request without id", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"method":"test.method"}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing id")
	})

	t.Run("should reject request without method", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"id":"1"}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing method")
	})
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	ctx := context.Background()
	router := NewRPCRouter()

	t.Run("should route to registered handler", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.echo", nil, func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"echo": params["input"]}, nil
		}))

		resp := router.RouteRequest(ctx, &RPCRequest{
			ID:     "1",
			Method: "test.echo",
			Params: map[string]interface{}{"input": "hello"},
		})
		assert.Equal(t, "1", resp.ID)
		require.Nil(t, resp.Error)
		assert.Equal(t, "hello", resp.Result.(map[string]interface{})["echo"])
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "unknown.method"})
		assert.Nil(t, resp.Result)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should pass the context to the handler", func(t *testing.T) {
		type key struct{}
		require.NoError(t, router.RegisterMethod("test.ctx", nil, func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			return ctx.Value(key{}), nil
		}))

		resp := router.RouteRequest(context.WithValue(ctx, key{}, "carried"), &RPCRequest{ID: "1", Method: "test.ctx"})
		assert.Equal(t, "carried", resp.Result)
	})

	t.Run("should reject params that do not match the schema", func(t *testing.T) {
		called := false
		schema := objectSchema([]string{"sessionId"}, map[string]interface{}{
			"sessionId": map[string]interface{}{"type": "string"},
		})
		require.NoError(t, router.RegisterMethod("test.schema", schema, func(context.Context, map[string]interface{}) (interface{}, error) {
			called = true
			return nil, nil
		}))

		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.schema", Params: map[string]interface{}{"sessionId": 7}})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)

		resp = router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "test.schema"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
		assert.False(t, called)

		resp = router.RouteRequest(ctx, &RPCRequest{ID: "3", Method: "test.schema", Params: map[string]interface{}{"sessionId": "main"}})
		assert.Nil(t, resp.Error)
		assert.True(t, called)
	})

	t.Run("should replay idempotent responses", func(t *testing.T) {
		calls := 0
		require.NoError(t, router.RegisterMethod("test.count", nil, func(context.Context, map[string]interface{}) (interface{}, error) {
			calls++
			return calls, nil
		}))

		first := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.count", IdempotencyKey: "k"})
		second := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "test.count", IdempotencyKey: "k"})
		assert.Equal(t, 1, calls)
		assert.Equal(t, first.Result, second.Result)
		assert.Equal(t, "2", second.ID)
	})
}

func TestToRPCError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"should map pending to ReplyPending", chat.ErrPending, ReplyPending},
		{"should map validation to InvalidParams", chat.ErrEmptyMessage, InvalidParams},
		{"should map blocked to InvalidParams", fmt.Errorf("wrapped: %w", chat.ErrBlocked), InvalidParams},
		{"should map unknown session to NotFound", fmt.Errorf("%w: x", chat.ErrSessionNotFound), NotFound},
		{"should map unknown transcript to NotFound", history.ErrNotFound, NotFound},
		{"should map anything else to InternalError", fmt.Errorf("boom"), InternalError},
		{"should keep RPC errors", &RPCError{Code: RateLimitExceeded, Message: "slow down"}, RateLimitExceeded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.code, toRPCError(tc.err).Code)
		})
	}
}
