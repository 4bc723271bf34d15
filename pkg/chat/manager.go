package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/mailpilot/internal/observability"
	"github.com/harun/mailpilot/pkg/commandqueue"
)

// Conversation is a finished timeline handed to an Archiver.
type Conversation struct {
	SessionID  string
	Generation Generation
	Title      string
	Messages   []Message
	EndedAt    time.Time
}

// Archiver keeps conversations that were cleared by "new chat", deleted,
// or still open at shutdown.
type Archiver interface {
	Archive(ctx context.Context, c Conversation) error
}

// Summary is the list view of a session.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  int       `json:"messages"`
	Pending   bool      `json:"pending"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager owns the live sessions of a process and wires each of them to
// the shared dispatcher, archiver and observers.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	dispatcher  Dispatcher
	queue       *commandqueue.CommandQueue
	archiver    Archiver
	suggestions *Suggestions
	sessionOpts []SessionOption
	logger      zerolog.Logger

	observers subscribers
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerDispatcher sets the dispatcher given to every session.
func WithManagerDispatcher(d Dispatcher) ManagerOption {
	return func(m *Manager) { m.dispatcher = d }
}

// WithLaneQueue lets the manager drop a session's queue lane when the
// session is deleted.
func WithLaneQueue(q *commandqueue.CommandQueue) ManagerOption {
	return func(m *Manager) { m.queue = q }
}

// WithArchiver sets where cleared conversations go.
func WithArchiver(a Archiver) ManagerOption {
	return func(m *Manager) { m.archiver = a }
}

// WithSuggestions sets the quick-start prompt catalog.
func WithSuggestions(s *Suggestions) ManagerOption {
	return func(m *Manager) { m.suggestions = s }
}

// WithSessionOptions appends options applied to every new session.
func WithSessionOptions(opts ...SessionOption) ManagerOption {
	return func(m *Manager) { m.sessionOpts = append(m.sessionOpts, opts...) }
}

// WithManagerLogger sets the base logger.
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.suggestions == nil {
		m.suggestions = NewSuggestions(nil)
	}
	m.logger = m.logger.With().Str("component", "chat_manager").Logger()
	return m
}

// Create starts a new session. An empty id gets a random one.
func (m *Manager) Create(id string) (*Session, error) {
	opts := append([]SessionOption{
		WithLogger(m.logger),
		WithDispatcher(m.dispatcher),
	}, m.sessionOpts...)
	if id != "" {
		opts = append(opts, WithID(id))
	}
	s := NewSession(opts...)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, exists := m.sessions[s.ID()]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", s.ID())
	}
	m.sessions[s.ID()] = s
	count := len(m.sessions)
	m.mu.Unlock()

	s.Subscribe(func(e Event) {
		m.observers.emit([]Event{e})
	})

	observability.SetActiveSessions(count)
	m.logger.Info().Str("session_id", s.ID()).Msg("Session created")
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns summaries of all sessions, most recently active first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		snap := s.Snapshot()
		out = append(out, Summary{
			ID:        snap.SessionID,
			Title:     snap.Title,
			Messages:  len(snap.Timeline),
			Pending:   snap.Pending,
			CreatedAt: snap.CreatedAt,
			UpdatedAt: snap.UpdatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// NewChat archives the session's conversation and resets it.
func (m *Manager) NewChat(ctx context.Context, id string) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}

	m.archive(ctx, s)
	return s.Snapshot(), nil
}

// PrefillSuggestion stages the suggestion at index in the session's draft.
func (m *Manager) PrefillSuggestion(id string, index int) (Suggestion, error) {
	s, err := m.Get(id)
	if err != nil {
		return Suggestion{}, err
	}

	sg, ok := m.suggestions.Get(index)
	if !ok {
		return Suggestion{}, fmt.Errorf("suggestion index %d out of range (have %d)", index, m.suggestions.Len())
	}
	s.Prefill(sg.Text)
	return sg, nil
}

// Suggestions returns the quick-start prompt catalog.
func (m *Manager) Suggestions() *Suggestions {
	return m.suggestions
}

// Observe registers h for events of every session and returns a function
// that removes it.
func (m *Manager) Observe(h EventHandler) func() {
	return m.observers.add(h)
}

// Delete archives and removes a session. A pending dispatch is cancelled.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	count := len(m.sessions)
	m.mu.Unlock()

	m.archive(ctx, s)
	if m.queue != nil {
		m.queue.RemoveLane(LaneFor(id))
	}

	observability.SetActiveSessions(count)
	m.logger.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// Close archives every open conversation and refuses new sessions.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.archive(ctx, s)
	}

	observability.SetActiveSessions(0)
	return nil
}

// archive resets s and hands the old timeline to the archiver. Archive
// errors are logged; the reset itself always happens.
func (m *Manager) archive(ctx context.Context, s *Session) {
	timeline, gen := s.reset()
	if m.archiver == nil || len(timeline) == 0 {
		return
	}

	conv := Conversation{
		SessionID:  s.ID(),
		Generation: gen,
		Title:      TitleOf(timeline),
		Messages:   timeline,
		EndedAt:    time.Now(),
	}
	if err := m.archiver.Archive(ctx, conv); err != nil {
		m.logger.Error().Err(err).Str("session_id", s.ID()).Msg("Failed to archive conversation")
		observability.RecordChatAudit(ctx, "archive", s.ID(), "failure", map[string]interface{}{"error": err.Error()})
		return
	}
	observability.RecordChatAudit(ctx, "archive", s.ID(), "success", map[string]interface{}{"messages": len(timeline)})
}
