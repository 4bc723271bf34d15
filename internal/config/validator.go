package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var googleKeyPattern = regexp.MustCompile(`^AIza[0-9A-Za-z_-]{35}$`)

// Validator checks individual configuration values. Config.Validate covers
// structural problems; Validator reports softer, per-field issues.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if !googleKeyPattern.MatchString(key) {
			return fmt.Errorf("invalid Gemini API key format (should start with AIza)")
		}
	}

	return nil
}

// ValidateBaseURL requires an absolute http(s) URL.
func (v *Validator) ValidateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base url %q: host is required", raw)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateCronSchedule parses a standard five-field cron spec.
func (v *Validator) ValidateCronSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return nil
}

// ValidatePatterns compiles every moderation pattern.
func (v *Validator) ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid moderation pattern %q: %w", p, err)
		}
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every problem found.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for i, profile := range cfg.Backend.Profiles {
		switch profile.Provider {
		case "anthropic", "openai", "gemini":
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errs = append(errs, fmt.Errorf("provider profile %d (%s): %w", i, profile.ID, err))
			}
		}
		if profile.BaseURL != "" {
			if err := v.ValidateBaseURL(profile.BaseURL); err != nil {
				errs = append(errs, fmt.Errorf("provider profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	if err := v.ValidateTemperature(cfg.Backend.Temperature); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateMaxTokens(cfg.Backend.MaxTokens); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.History.Enabled && cfg.History.CleanupSchedule != "" {
		if err := v.ValidateCronSchedule(cfg.History.CleanupSchedule); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Chat.Moderation.Enabled {
		if err := v.ValidatePatterns(cfg.Chat.Moderation.BlockedPatterns); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Gateway.RateLimitPerSecond < 0 {
		errs = append(errs, fmt.Errorf("gateway rate_limit_per_second must be >= 0"))
	}
	if cfg.Chat.MaxMessageLength < 0 {
		errs = append(errs, fmt.Errorf("chat max_message_length must be >= 0"))
	}

	return errs
}
