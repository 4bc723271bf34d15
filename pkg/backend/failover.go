package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/mailpilot/internal/config"
	"github.com/harun/mailpilot/internal/observability"
	"github.com/harun/mailpilot/internal/tracing"
	"github.com/harun/mailpilot/pkg/chat"
)

const (
	tracerName = "mailpilot.backend"

	// recentTurns is how many turns survive compaction.
	recentTurns = 20

	cooldownStep = time.Minute
)

// Settings tune the requests a Failover sends.
type Settings struct {
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	MaxRetries    int
	HistoryWindow int
	// ContextTokens triggers compaction when the estimated context is larger. 0 uses 8192.
	ContextTokens int
}

// profileState is a provider profile plus its failure bookkeeping.
type profileState struct {
	config.ProviderProfile
	failures      int
	cooldownUntil time.Time
	provider      Provider
}

// Failover is a chat.Backend that tries provider profiles in priority
// order, retrying transient errors and cooling down profiles that fail.
type Failover struct {
	mu       sync.Mutex
	profiles []*profileState

	factory  ProviderCreator
	settings Settings
	logger   zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// FailoverOption configures a Failover.
type FailoverOption func(*Failover)

// WithProviderFactory replaces the built-in provider factory.
func WithProviderFactory(f ProviderCreator) FailoverOption {
	return func(fo *Failover) { fo.factory = f }
}

// WithFailoverLogger sets the base logger.
func WithFailoverLogger(logger zerolog.Logger) FailoverOption {
	return func(fo *Failover) { fo.logger = logger }
}

// NewFailover creates a failover backend over profiles.
func NewFailover(profiles []config.ProviderProfile, settings Settings, opts ...FailoverOption) (*Failover, error) {
	observability.EnsureRegistered()

	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one provider profile is required")
	}

	f := &Failover{
		factory:  &ProviderFactory{},
		settings: settings,
		logger:   log.Logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With().Str("component", "backend").Logger()

	for _, p := range profiles {
		if p.Model == "" {
			p.Model = DefaultModel(p.Provider)
		}
		f.profiles = append(f.profiles, &profileState{ProviderProfile: p})
	}
	sort.SliceStable(f.profiles, func(i, j int) bool {
		return f.profiles[i].Priority < f.profiles[j].Priority
	})

	return f, nil
}

// Name implements chat.Backend.
func (f *Failover) Name() string {
	return "llm"
}

// Reply implements chat.Backend.
func (f *Failover) Reply(ctx context.Context, turns []chat.Turn) (string, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "backend.reply", attribute.Int("turns", len(turns)))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, f.logger)

	request := Request{
		Messages:     f.buildMessages(turns),
		Temperature:  f.settings.Temperature,
		MaxTokens:    f.settings.MaxTokens,
		SystemPrompt: f.systemPrompt(),
	}
	request.Messages, request.SystemPrompt = f.compactIfNeeded(request.Messages, request.SystemPrompt)
	if len(request.Messages) == 0 {
		return "", fmt.Errorf("no conversation to send")
	}

	var lastErr error
	for _, profile := range f.snapshot() {
		if f.now().Before(profile.cooldownUntil) {
			observability.SetProviderCooldown(profile.ID, true)
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := f.provider(profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		req := request
		req.Model = profile.Model
		resp, err := f.callWithRetry(ctx, provider, req)
		if err == nil {
			f.markSuccess(profile.ID)
			span.SetAttributes(attribute.String("profile_id", profile.ID), attribute.String("provider", provider.Provider()))
			if resp.Usage != nil {
				logger.Debug().
					Str("profile_id", profile.ID).
					Int("input_tokens", resp.Usage.InputTokens).
					Int("output_tokens", resp.Usage.OutputTokens).
					Msg("Provider replied")
			}
			return resp.Content, nil
		}

		// Cancelled or timed out by the caller: the profile keeps its record.
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Debug().Str("profile_id", profile.ID).Err(ctxErr).Msg("Reply abandoned")
			span.SetStatus(codes.Error, ctxErr.Error())
			return "", fmt.Errorf("reply abandoned: %w", ctxErr)
		}

		lastErr = err
		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Provider profile failed")
		f.markFailure(profile.ID)

		if !IsRetryableError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("every profile is cooling down")
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	logger.Error().Err(lastErr).Msg("All provider profiles failed")
	return "", fmt.Errorf("all provider profiles failed: %w", lastErr)
}

func (f *Failover) snapshot() []profileState {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]profileState, len(f.profiles))
	for i, p := range f.profiles {
		out[i] = *p
	}
	return out
}

// provider returns the cached provider of a profile, creating it on first use.
func (f *Failover) provider(profile profileState) (Provider, error) {
	if profile.provider != nil {
		return profile.provider, nil
	}
	p, err := f.factory.NewProvider(profile.ProviderProfile)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	for _, ps := range f.profiles {
		if ps.ID == profile.ID {
			ps.provider = p
		}
	}
	f.mu.Unlock()
	return p, nil
}

func (f *Failover) callWithRetry(ctx context.Context, provider Provider, request Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "backend.call",
		attribute.String("provider", provider.Provider()),
		attribute.String("model", request.Model),
	)
	defer span.End()

	maxRetries := f.settings.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			if response == nil || response.Content == "" {
				err = fmt.Errorf("%s returned an empty response", provider.Provider())
			} else {
				return response, nil
			}
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == maxRetries-1 {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		delay := time.Duration(1<<attempt) * time.Second
		f.logger.Info().
			Str("provider", provider.Provider()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")
		if err := f.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

func (f *Failover) markSuccess(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range f.profiles {
		if p.ID == profileID {
			p.failures = 0
			p.cooldownUntil = time.Time{}
			observability.SetProviderCooldown(p.ID, false)
			return
		}
	}
}

// markFailure puts a profile into cooldown for one minute per consecutive failure.
func (f *Failover) markFailure(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range f.profiles {
		if p.ID == profileID {
			p.failures++
			p.cooldownUntil = f.now().Add(time.Duration(p.failures) * cooldownStep)
			observability.SetProviderCooldown(p.ID, true)
			return
		}
	}
}

// buildMessages applies the history window and drops leading assistant
// turns, which providers reject.
func (f *Failover) buildMessages(turns []chat.Turn) []chat.Turn {
	if w := f.settings.HistoryWindow; w > 0 && len(turns) > w {
		turns = turns[len(turns)-w:]
	}
	for len(turns) > 0 && turns[0].Role != chat.RoleUser {
		turns = turns[1:]
	}
	return append([]chat.Turn(nil), turns...)
}

func (f *Failover) systemPrompt() string {
	prompt := f.settings.SystemPrompt
	if prompt == "" {
		prompt = config.DefaultSystemPrompt
	}
	return fmt.Sprintf("%s\n\nThe current date and time is %s.", prompt, f.now().Format(time.RFC1123))
}

// compactIfNeeded keeps the most recent turns when the context is too large
// and notes the dropped ones in the system prompt.
func (f *Failover) compactIfNeeded(turns []chat.Turn, systemPrompt string) ([]chat.Turn, string) {
	limit := f.settings.ContextTokens
	if limit <= 0 {
		limit = 8192
	}

	tokenCount := EstimateTokens(turns)
	if tokenCount <= limit || len(turns) <= recentTurns {
		return turns, systemPrompt
	}

	f.logger.Info().
		Int("token_count", tokenCount).
		Int("limit", limit).
		Msg("Compacting context")

	older := len(turns) - recentTurns
	recent := turns[older:]
	for len(recent) > 0 && recent[0].Role != chat.RoleUser {
		recent = recent[1:]
		older++
	}
	summary := fmt.Sprintf("%s\n\n[Previous conversation summary: %d messages exchanged]", systemPrompt, older)
	return recent, summary
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
