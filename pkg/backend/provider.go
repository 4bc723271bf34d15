package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/mailpilot/internal/config"
	"github.com/harun/mailpilot/pkg/chat"
)

// Provider is one LLM API.
type Provider interface {
	// Call makes a single completion request.
	Call(ctx context.Context, request Request) (*Response, error)

	// Provider returns the provider name.
	Provider() string
}

// Request contains the parameters of one provider call.
type Request struct {
	Model        string
	Messages     []chat.Turn
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Response is the provider's answer.
type Response struct {
	Content string
	Usage   *TokenUsage
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ProviderCreator creates providers from profiles.
type ProviderCreator interface {
	NewProvider(profile config.ProviderProfile) (Provider, error)
}

// ProviderFactory creates the built-in providers.
type ProviderFactory struct{}

// NewProvider creates a provider for profile.
func (f *ProviderFactory) NewProvider(profile config.ProviderProfile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	case "gemini":
		return NewGeminiProvider(context.Background(), profile.APIKey)
	case "agent":
		return NewAgentProvider(profile.BaseURL, profile.AgentID, nil)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// DefaultModel returns the model used when a profile names none.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-sonnet-20241022"
	case "openai":
		return "gpt-4o-mini"
	case "gemini":
		return "gemini-2.0-flash"
	default:
		return ""
	}
}

// IsRetryableError checks if an error should be retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "connection refused",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// EstimateTokens provides a rough token count estimation.
func EstimateTokens(turns []chat.Turn) int {
	totalChars := 0
	for _, t := range turns {
		totalChars += len(t.Content)
	}
	// Rough estimation: 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}
