package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard walks a user through creating a config interactively.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{reader: bufio.NewReader(in), out: out}
}

// Run asks for a reply backend and a few common settings.
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== mailpilot setup ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	fmt.Fprintln(w.out, "Reply backend:")
	fmt.Fprintln(w.out, "  echo      - canned replies, no credentials needed")
	fmt.Fprintln(w.out, "  anthropic - Claude models")
	fmt.Fprintln(w.out, "  openai    - GPT models")
	fmt.Fprintln(w.out, "  gemini    - Gemini models")
	fmt.Fprintln(w.out, "  agent     - a running agent HTTP service")

	provider, err := w.ask("Backend [echo]: ")
	if err != nil {
		return nil, err
	}
	provider = strings.ToLower(provider)

	switch provider {
	case "", "echo":
		cfg.Backend.Mode = BackendModeEcho

	case "anthropic", "openai", "gemini":
		var key string
		for {
			key, err = w.ask(fmt.Sprintf("%s API key: ", provider))
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, provider); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			break
		}
		model, err := w.ask("Model (press Enter for the provider default): ")
		if err != nil {
			return nil, err
		}
		cfg.Backend.Mode = BackendModeLLM
		cfg.Backend.Profiles = []ProviderProfile{{
			ID:       provider + "-default",
			Provider: provider,
			APIKey:   key,
			Model:    model,
			Priority: 1,
		}}

	case "agent":
		var base string
		for {
			base, err = w.ask("Agent base URL [http://localhost:8001]: ")
			if err != nil {
				return nil, err
			}
			if base == "" {
				base = "http://localhost:8001"
			}
			if err := validator.ValidateBaseURL(base); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			break
		}
		agentID, err := w.ask("Agent id [basic_agent]: ")
		if err != nil {
			return nil, err
		}
		if agentID == "" {
			agentID = "basic_agent"
		}
		cfg.Backend.Mode = BackendModeLLM
		cfg.Backend.Profiles = []ProviderProfile{{
			ID:       "agent-default",
			Provider: "agent",
			BaseURL:  base,
			AgentID:  agentID,
			Priority: 1,
		}}

	default:
		return nil, fmt.Errorf("unknown backend %q", provider)
	}

	fmt.Fprintln(w.out)

	secret, err := w.ask("Gateway shared secret (press Enter to disable auth): ")
	if err != nil {
		return nil, err
	}
	cfg.Gateway.SharedSecret = secret

	level, err := w.ask("Log level (debug/info/warn/error) [info]: ")
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
