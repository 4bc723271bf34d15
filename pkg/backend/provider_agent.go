package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/harun/mailpilot/internal/tracing"
	"github.com/harun/mailpilot/pkg/chat"
)

// DefaultAgentID is the agent served by the bundled agent app.
const DefaultAgentID = "basic_agent"

// AgentProvider calls a hosted agent over HTTP. The agent keeps its own
// conversation memory keyed by session, so only the latest user turn is
// sent.
type AgentProvider struct {
	baseURL string
	agentID string
	client  *http.Client
}

// NewAgentProvider creates a provider for the agent app at baseURL. A nil
// client gets a default one with a two minute timeout.
func NewAgentProvider(baseURL, agentID string, client *http.Client) (*AgentProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("agent base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid agent base url: %w", err)
	}
	if agentID == "" {
		agentID = DefaultAgentID
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &AgentProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		agentID: agentID,
		client:  client,
	}, nil
}

// Provider returns the provider name
func (p *AgentProvider) Provider() string {
	return "agent"
}

// Call posts the latest user message as an agent run.
func (p *AgentProvider) Call(ctx context.Context, request Request) (*Response, error) {
	prompt := ""
	for i := len(request.Messages) - 1; i >= 0; i-- {
		if request.Messages[i].Role == chat.RoleUser {
			prompt = request.Messages[i].Content
			break
		}
	}
	if prompt == "" {
		return nil, fmt.Errorf("no user message to send")
	}

	form := url.Values{}
	form.Set("message", prompt)
	form.Set("stream", "false")
	if sessionID := tracing.GetSessionID(ctx); sessionID != "" {
		form.Set("session_id", sessionID)
	}

	endpoint := fmt.Sprintf("%s/runs?agent_id=%s", p.baseURL, url.QueryEscape(p.agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := gjson.GetBytes(body, "detail").String()
		if detail == "" {
			detail = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, detail)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("agent returned invalid JSON")
	}

	content := gjson.GetBytes(body, "content")
	if !content.Exists() {
		return nil, fmt.Errorf("agent response has no content")
	}

	out := &Response{Content: content.String()}
	if metrics := gjson.GetBytes(body, "metrics"); metrics.Exists() {
		out.Usage = &TokenUsage{
			InputTokens:  int(sumTokens(metrics.Get("input_tokens"))),
			OutputTokens: int(sumTokens(metrics.Get("output_tokens"))),
		}
	}
	return out, nil
}

// sumTokens reads a token metric that is either a number or a list of
// per-call numbers.
func sumTokens(v gjson.Result) int64 {
	if !v.IsArray() {
		return v.Int()
	}
	var total int64
	v.ForEach(func(_, n gjson.Result) bool {
		total += n.Int()
		return true
	})
	return total
}
