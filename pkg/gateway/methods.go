package gateway

import (
	"context"
	"fmt"

	"github.com/harun/mailpilot/internal/tracing"
	"github.com/harun/mailpilot/pkg/chat"
)

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var (
	sessionIDProp = map[string]interface{}{"type": "string", "minLength": 1}

	sessionSchema = objectSchema([]string{"sessionId"}, map[string]interface{}{
		"sessionId": sessionIDProp,
	})
	createSchema = objectSchema(nil, map[string]interface{}{
		"sessionId": sessionIDProp,
	})
	emptySchema    = objectSchema(nil, map[string]interface{}{})
	setDraftSchema = objectSchema([]string{"sessionId", "draft"}, map[string]interface{}{
		"sessionId": sessionIDProp,
		"draft":     map[string]interface{}{"type": "string"},
	})
	prefillSchema = objectSchema([]string{"sessionId", "index"}, map[string]interface{}{
		"sessionId": sessionIDProp,
		"index":     map[string]interface{}{"type": "integer", "minimum": 0},
	})
	submitSchema = objectSchema([]string{"sessionId"}, map[string]interface{}{
		"sessionId": sessionIDProp,
		"message":   map[string]interface{}{"type": "string"},
	})
	enterSchema = objectSchema([]string{"sessionId"}, map[string]interface{}{
		"sessionId": sessionIDProp,
		"newline":   map[string]interface{}{"type": "boolean"},
	})
	transcriptSchema = objectSchema([]string{"id"}, map[string]interface{}{
		"id": map[string]interface{}{"type": "string", "minLength": 1},
	})
)

type methodSpec struct {
	name    string
	schema  map[string]interface{}
	handler RequestHandler
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() error {
	methods := []methodSpec{
		{"chat.create", createSchema, s.handleChatCreate},
		{"chat.get", sessionSchema, s.handleChatGet},
		{"chat.list", emptySchema, s.handleChatList},
		{"chat.delete", sessionSchema, s.handleChatDelete},
		{"chat.setDraft", setDraftSchema, s.handleChatSetDraft},
		{"chat.prefill", prefillSchema, s.handleChatPrefill},
		{"chat.submit", submitSchema, s.handleChatSubmit},
		{"chat.enter", enterSchema, s.handleChatEnter},
		{"chat.reset", sessionSchema, s.handleChatReset},
		{"chat.subscribe", sessionSchema, s.handleChatSubscribe},
		{"chat.unsubscribe", sessionSchema, s.handleChatUnsubscribe},
		{"chat.suggestions", emptySchema, s.handleChatSuggestions},
	}
	if s.history != nil {
		methods = append(methods,
			methodSpec{"history.list", emptySchema, s.handleHistoryList},
			methodSpec{"history.get", transcriptSchema, s.handleHistoryGet},
		)
	}

	for _, m := range methods {
		if err := s.router.RegisterMethod(m.name, m.schema, m.handler); err != nil {
			return err
		}
	}
	return nil
}

func stringParam(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func (s *Server) session(params map[string]interface{}) (*chat.Session, error) {
	return s.manager.Get(stringParam(params, "sessionId"))
}

// handleChatCreate starts a session. The caller is subscribed to it when it
// arrived over a WebSocket.
func (s *Server) handleChatCreate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.manager.Create(stringParam(params, "sessionId"))
	if err != nil {
		return nil, err
	}

	if clientID := tracing.GetClientID(ctx); clientID != "" {
		s.clients.Subscribe(clientID, sess.ID())
	}
	return sess.Snapshot(), nil
}

func (s *Server) handleChatGet(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.session(params)
	if err != nil {
		return nil, err
	}
	return sess.Snapshot(), nil
}

func (s *Server) handleChatList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"sessions": s.manager.List(),
	}, nil
}

func (s *Server) handleChatDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID := stringParam(params, "sessionId")
	if err := s.manager.Delete(ctx, sessionID); err != nil {
		return nil, err
	}
	s.clients.ForgetSession(sessionID)

	return map[string]interface{}{
		"success": true,
	}, nil
}

func (s *Server) handleChatSetDraft(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.session(params)
	if err != nil {
		return nil, err
	}
	sess.SetDraft(stringParam(params, "draft"))
	return sess.Snapshot(), nil
}

func (s *Server) handleChatPrefill(_ context.Context, params map[string]interface{}) (interface{}, error) {
	index, _ := params["index"].(float64)
	sessionID := stringParam(params, "sessionId")

	if _, err := s.manager.PrefillSuggestion(sessionID, int(index)); err != nil {
		return nil, err
	}
	sess, err := s.manager.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Snapshot(), nil
}

// handleChatSubmit submits the given message, or the staged draft when no
// message is passed. The reply arrives later as a chat.state event.
func (s *Server) handleChatSubmit(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.session(params)
	if err != nil {
		return nil, err
	}

	var msg chat.Message
	if text, ok := params["message"].(string); ok {
		msg, err = sess.Submit(ctx, text)
	} else {
		msg, err = sess.SubmitDraft(ctx)
	}
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"message": msg,
		"state":   sess.Snapshot(),
	}, nil
}

func (s *Server) handleChatEnter(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sess, err := s.session(params)
	if err != nil {
		return nil, err
	}

	newline, _ := params["newline"].(bool)
	submitted, err := sess.PressEnter(ctx, newline)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"submitted": submitted,
		"state":     sess.Snapshot(),
	}, nil
}

// handleChatReset is "New Chat": the conversation is archived and cleared.
func (s *Server) handleChatReset(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.manager.NewChat(ctx, stringParam(params, "sessionId"))
}

func (s *Server) handleChatSubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	clientID := tracing.GetClientID(ctx)
	if clientID == "" {
		return nil, fmt.Errorf("subscriptions require a websocket connection")
	}

	sess, err := s.session(params)
	if err != nil {
		return nil, err
	}
	if !s.clients.Subscribe(clientID, sess.ID()) {
		return nil, fmt.Errorf("client %s is not connected", clientID)
	}
	return sess.Snapshot(), nil
}

func (s *Server) handleChatUnsubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if clientID := tracing.GetClientID(ctx); clientID != "" {
		s.clients.Unsubscribe(clientID, stringParam(params, "sessionId"))
	}
	return map[string]interface{}{
		"success": true,
	}, nil
}

func (s *Server) handleChatSuggestions(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"suggestions": s.manager.Suggestions().List(),
	}, nil
}

func (s *Server) handleHistoryList(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	transcripts, err := s.history.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return map[string]interface{}{
		"transcripts": transcripts,
	}, nil
}

func (s *Server) handleHistoryGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.history.Get(ctx, stringParam(params, "id"))
}
