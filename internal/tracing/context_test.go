package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
}

func TestContextValues(t *testing.T) {
	t.Run("should round trip every key", func(t *testing.T) {
		ctx := context.Background()
		ctx = WithTraceID(ctx, "trace-123")
		ctx = WithSessionID(ctx, "session-abc")
		ctx = WithDispatchID(ctx, "dispatch-1")
		ctx = WithClientID(ctx, "client-9")
		ctx = WithRequestID(ctx, "req-7")

		tc := FromContext(ctx)
		assert.Equal(t, "trace-123", tc.TraceID)
		assert.Equal(t, "session-abc", tc.SessionID)
		assert.Equal(t, "dispatch-1", tc.DispatchID)
		assert.Equal(t, "client-9", tc.ClientID)
		assert.Equal(t, "req-7", tc.RequestID)
	})

	t.Run("should return empty strings for missing keys", func(t *testing.T) {
		ctx := context.Background()
		assert.Empty(t, GetTraceID(ctx))
		assert.Empty(t, GetSessionID(ctx))
		assert.Empty(t, GetDispatchID(ctx))
		assert.Empty(t, GetClientID(ctx))
		assert.Empty(t, GetRequestID(ctx))
	})

	t.Run("should only set non-empty fields in NewContext", func(t *testing.T) {
		ctx := NewContext(context.Background(), &TraceContext{TraceID: "trace-123"})
		assert.Equal(t, "trace-123", GetTraceID(ctx))
		assert.Empty(t, GetSessionID(ctx))
	})
}

func TestNewDispatchContext(t *testing.T) {
	t.Run("should keep an existing trace id", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-123")
		ctx = NewDispatchContext(ctx, "session-abc")

		assert.Equal(t, "trace-123", GetTraceID(ctx))
		assert.Equal(t, "session-abc", GetSessionID(ctx))
		assert.NotEmpty(t, GetDispatchID(ctx))
	})

	t.Run("should mint a trace id when missing", func(t *testing.T) {
		ctx := NewDispatchContext(context.Background(), "session-abc")
		assert.NotEmpty(t, GetTraceID(ctx))
	})
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithSessionID(context.Background(), "s1"))
	detached := Detach(parent)
	cancel()

	assert.NoError(t, detached.Err())
	assert.Equal(t, "s1", GetSessionID(detached))
}

func TestMergeContext(t *testing.T) {
	target := WithTraceID(context.Background(), "keep")
	source := WithTraceID(WithSessionID(context.Background(), "s1"), "drop")

	merged := MergeContext(target, source)
	assert.Equal(t, "keep", GetTraceID(merged))
	assert.Equal(t, "s1", GetSessionID(merged))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionID(WithTraceID(context.Background(), "trace-123"), "session-abc")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "trace-123", entry["trace_id"])
	assert.Equal(t, "session-abc", entry["session_id"])
	assert.NotContains(t, entry, "client_id")
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "mailpilot.test", "test.op")
	defer span.End()

	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
}
