package backend

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/mailpilot/internal/config"
	"github.com/harun/mailpilot/pkg/chat"
)

// New builds the backend selected by cfg.Mode.
func New(cfg config.BackendConfig, logger zerolog.Logger) (chat.Backend, error) {
	switch cfg.Mode {
	case "", config.BackendModeEcho:
		return NewEcho(time.Duration(cfg.EchoDelayMS) * time.Millisecond), nil
	case config.BackendModeLLM:
		f, err := NewFailover(cfg.Profiles, Settings{
			SystemPrompt:  cfg.SystemPrompt,
			Temperature:   cfg.Temperature,
			MaxTokens:     cfg.MaxTokens,
			MaxRetries:    cfg.MaxRetries,
			HistoryWindow: cfg.HistoryWindow,
		}, WithFailoverLogger(logger))
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported backend mode: %s", cfg.Mode)
	}
}
