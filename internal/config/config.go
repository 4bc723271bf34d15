package config

import (
	"encoding/json"
	"fmt"
)

// Backend modes.
const (
	BackendModeEcho = "echo"
	BackendModeLLM  = "llm"
)

// History stores.
const (
	HistoryStoreJSONL  = "jsonl"
	HistoryStoreSQLite = "sqlite"
)

// DefaultSystemPrompt frames the assistant for every LLM provider.
const DefaultSystemPrompt = "You are a Gmail AI assistant. You help users automate email tasks, " +
	"manage their inbox and boost their productivity. Answer in markdown and keep replies short."

// Config represents the main mailpilot configuration
type Config struct {
	Backend BackendConfig `json:"backend" mapstructure:"backend"`
	Chat    ChatConfig    `json:"chat" mapstructure:"chat"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	History HistoryConfig `json:"history" mapstructure:"history"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory for history, logs and the audit trail
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// BackendConfig selects and tunes the reply-generating backend.
type BackendConfig struct {
	Mode           string            `json:"mode" mapstructure:"mode"` // echo, llm
	Profiles       []ProviderProfile `json:"profiles" mapstructure:"profiles"`
	SystemPrompt   string            `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature    float64           `json:"temperature" mapstructure:"temperature"`
	MaxTokens      int               `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries     int               `json:"max_retries" mapstructure:"max_retries"`
	TimeoutSeconds int               `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	HistoryWindow  int               `json:"history_window" mapstructure:"history_window"` // turns sent as context, 0 = all
	EchoDelayMS    int               `json:"echo_delay_ms" mapstructure:"echo_delay_ms"`
}

// ProviderProfile is one credentialed provider in the failover chain.
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini, agent
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	AgentID  string `json:"agent_id" mapstructure:"agent_id"` // agent provider only
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ChatConfig holds session level settings.
type ChatConfig struct {
	Suggestions      []SuggestionConfig `json:"suggestions" mapstructure:"suggestions"`
	MaxMessageLength int                `json:"max_message_length" mapstructure:"max_message_length"` // 0 = unlimited
	Moderation       ModerationConfig   `json:"moderation" mapstructure:"moderation"`
}

// SuggestionConfig is a quick-start prompt shown on an empty conversation.
type SuggestionConfig struct {
	Text        string `json:"text" mapstructure:"text"`
	Description string `json:"description" mapstructure:"description"`
}

// ModerationConfig configures the prompt filter applied before a submission is accepted.
type ModerationConfig struct {
	Enabled         bool     `json:"enabled" mapstructure:"enabled"`
	BlockedKeywords []string `json:"blocked_keywords" mapstructure:"blocked_keywords"`
	BlockedPatterns []string `json:"blocked_patterns" mapstructure:"blocked_patterns"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port                int     `json:"port" mapstructure:"port"`
	Host                string  `json:"host" mapstructure:"host"`
	SharedSecret        string  `json:"shared_secret" mapstructure:"shared_secret"`
	RateLimitPerSecond  float64 `json:"rate_limit_per_second" mapstructure:"rate_limit_per_second"`
	RateLimitBurst      int     `json:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	TickIntervalSeconds int     `json:"tick_interval_seconds" mapstructure:"tick_interval_seconds"`
}

// HistoryConfig controls where finished conversations are archived.
type HistoryConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Store           string `json:"store" mapstructure:"store"` // jsonl, sqlite
	Dir             string `json:"dir" mapstructure:"dir"`
	RetentionDays   int    `json:"retention_days" mapstructure:"retention_days"`
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"` // cron spec
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// DefaultSuggestions are the quick-start prompts of a fresh install.
func DefaultSuggestions() []SuggestionConfig {
	return []SuggestionConfig{
		{Text: "What's in my inbox?", Description: "View and organize your latest emails"},
		{Text: "Send an email to my team", Description: "Compose and send emails quickly"},
		{Text: "Archive old emails", Description: "Clean up your inbox automatically"},
		{Text: "Check unread messages", Description: "Get a summary of unread messages"},
	}
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Mode:           BackendModeEcho,
			Profiles:       []ProviderProfile{},
			SystemPrompt:   DefaultSystemPrompt,
			Temperature:    0.7,
			MaxTokens:      1024,
			MaxRetries:     3,
			TimeoutSeconds: 60,
			HistoryWindow:  6,
			EchoDelayMS:    1500,
		},
		Chat: ChatConfig{
			Suggestions:      DefaultSuggestions(),
			MaxMessageLength: 8000,
		},
		Gateway: GatewayConfig{
			Port:                8080,
			Host:                "127.0.0.1",
			RateLimitPerSecond:  5,
			RateLimitBurst:      20,
			TickIntervalSeconds: 30,
		},
		History: HistoryConfig{
			Enabled:         true,
			Store:           HistoryStoreJSONL,
			RetentionDays:   30,
			CleanupSchedule: "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case BackendModeEcho:
	case BackendModeLLM:
		if len(c.Backend.Profiles) == 0 {
			return fmt.Errorf("backend mode %q requires at least one provider profile", BackendModeLLM)
		}
	default:
		return fmt.Errorf("invalid backend mode %q (must be: echo, llm)", c.Backend.Mode)
	}

	seen := make(map[string]bool, len(c.Backend.Profiles))
	for i, profile := range c.Backend.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("provider profile %d: id is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("provider profile %s: duplicate id", profile.ID)
		}
		seen[profile.ID] = true

		switch profile.Provider {
		case "anthropic", "openai", "gemini":
			if profile.APIKey == "" {
				return fmt.Errorf("provider profile %s: api_key is required", profile.ID)
			}
		case "agent":
			if profile.BaseURL == "" {
				return fmt.Errorf("provider profile %s: base_url is required", profile.ID)
			}
		case "":
			return fmt.Errorf("provider profile %s: provider is required", profile.ID)
		default:
			return fmt.Errorf("provider profile %s: invalid provider %s (must be: anthropic, openai, gemini, agent)", profile.ID, profile.Provider)
		}
	}

	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend timeout_seconds must be >= 0")
	}
	if c.Backend.MaxRetries < 0 {
		return fmt.Errorf("backend max_retries must be >= 0")
	}

	for i, s := range c.Chat.Suggestions {
		if s.Text == "" {
			return fmt.Errorf("chat suggestion %d: text is required", i)
		}
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", c.Gateway.Port)
	}

	if c.History.Enabled {
		if c.History.Store != HistoryStoreJSONL && c.History.Store != HistoryStoreSQLite {
			return fmt.Errorf("invalid history store %q (must be: jsonl, sqlite)", c.History.Store)
		}
		if c.History.RetentionDays < 0 {
			return fmt.Errorf("history retention_days must be >= 0")
		}
	}

	return nil
}
