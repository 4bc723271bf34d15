package backend

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/harun/mailpilot/pkg/chat"
)

// GeminiProvider implements Provider for Google Gemini through the Gemini API.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider.
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return "gemini"
}

// Call makes an API call to Google Gemini
func (p *GeminiProvider) Call(ctx context.Context, request Request) (*Response, error) {
	contents := make([]*genai.Content, 0, len(request.Messages))
	for _, msg := range request.Messages {
		role := genai.Role(genai.RoleUser)
		if msg.Role == chat.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	cfg := &genai.GenerateContentConfig{}
	if request.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(request.SystemPrompt, genai.RoleUser)
	}
	if request.Temperature > 0 {
		temp := float32(request.Temperature)
		cfg.Temperature = &temp
	}
	if request.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(request.MaxTokens)
	}

	res, err := p.client.Models.GenerateContent(ctx, request.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	text := res.Text()
	if text == "" {
		return nil, fmt.Errorf("gemini returned empty text")
	}

	resp := &Response{Content: text}
	if res.UsageMetadata != nil {
		resp.Usage = &TokenUsage{
			InputTokens:  int(res.UsageMetadata.PromptTokenCount),
			OutputTokens: int(res.UsageMetadata.CandidatesTokenCount),
		}
	}
	return resp, nil
}
