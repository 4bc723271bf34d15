package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/mailpilot/internal/observability"
	"github.com/harun/mailpilot/internal/tracing"
)

const tracerName = "mailpilot.chat"

// Dispatcher obtains a reply for a submitted timeline. Dispatch must not
// block; it resolves the request later, exactly once, through res.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest, res Resolver)
}

// DispatchRequest is one backend round trip.
type DispatchRequest struct {
	SessionID  string
	Generation Generation
	MessageID  MessageID
	Context    []Turn
}

// Resolver receives the outcome of a dispatch. Session implements it.
type Resolver interface {
	Receive(gen Generation, reply string) (bool, error)
	Fail(gen Generation, cause error) bool
}

// PromptFilter screens a submission before it is accepted.
type PromptFilter interface {
	Allow(text string) (bool, string)
}

// Clock returns the current time.
type Clock func() time.Time

// Session is the state of one conversation: an append-only timeline, the
// staged draft and whether a reply is pending. All mutation goes through
// its methods; a Session is safe for concurrent use.
type Session struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	timeline   []Message
	draft      string
	pending    bool
	pendingID  MessageID
	generation Generation
	nextID     MessageID
	lastAt     time.Time
	lastError  string
	cancel     context.CancelFunc

	outbox   []Event
	draining bool
	subs     subscribers

	dispatcher Dispatcher
	filter     PromptFilter
	maxLength  int
	clock      Clock
	logger     zerolog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithID sets the session ID. A random UUID is used otherwise.
func WithID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithDispatcher sets the dispatcher invoked by Submit. Without one the
// session stays pending until Receive or Fail is called directly.
func WithDispatcher(d Dispatcher) SessionOption {
	return func(s *Session) { s.dispatcher = d }
}

// WithPromptFilter screens submissions.
func WithPromptFilter(f PromptFilter) SessionOption {
	return func(s *Session) { s.filter = f }
}

// WithMaxMessageLength rejects submissions longer than n runes. 0 disables the check.
func WithMaxMessageLength(n int) SessionOption {
	return func(s *Session) { s.maxLength = n }
}

// WithClock sets the time source used for message timestamps.
func WithClock(c Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// NewSession creates an empty session.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		clock:  time.Now,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.New().String()
	}
	s.createdAt = s.clock()
	s.lastAt = s.createdAt
	s.logger = s.logger.With().Str("session_id", s.id).Logger()
	return s
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Subscribe registers h for state change events and returns a function
// that removes it.
func (s *Session) Subscribe(h EventHandler) func() {
	return s.subs.add(h)
}

// Submit appends a user message with the trimmed text, clears the draft,
// marks the session pending and dispatches the updated timeline.
//
// It returns ErrEmptyMessage, ErrPending, ErrTooLong or ErrBlocked (wrapped)
// when the submission is rejected; the session is then left unchanged.
func (s *Session) Submit(ctx context.Context, text string) (Message, error) {
	return s.submit(ctx, text, false)
}

func (s *Session) submit(ctx context.Context, text string, fromDraft bool) (Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionID(ctx, s.id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "chat.submit",
		attribute.String("session_id", s.id),
	)
	defer span.End()

	s.mu.Lock()
	if fromDraft {
		text = s.draft
	}
	content := strings.TrimSpace(text)
	if err := s.validateLocked(content); err != nil {
		s.mu.Unlock()
		observability.RecordSubmission(rejectionOutcome(err))
		span.SetStatus(codes.Error, err.Error())
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Err(err).Msg("Submission rejected")
		return Message{}, err
	}

	draftChanged := s.draft != ""
	msg := s.appendLocked(RoleUser, content)
	s.draft = ""
	s.pending = true
	s.pendingID = msg.ID
	s.lastError = ""
	gen := s.generation

	dctx := tracing.NewDispatchContext(tracing.Detach(ctx), s.id)
	dctx = trace.ContextWithSpanContext(dctx, span.SpanContext())
	dctx, cancel := context.WithCancel(dctx)
	s.cancel = cancel

	req := DispatchRequest{
		SessionID:  s.id,
		Generation: gen,
		MessageID:  msg.ID,
		Context:    Turns(s.timeline),
	}

	s.queueLocked(Event{Type: EventMessageAppended, Message: &msg, Pending: true})
	if draftChanged {
		s.queueLocked(Event{Type: EventDraftChanged, Pending: true})
	}
	s.queueLocked(Event{Type: EventPendingChanged, Pending: true})
	dispatcher := s.dispatcher
	s.mu.Unlock()
	s.flush()

	span.SetAttributes(attribute.Int64("generation", int64(gen)), attribute.Int64("message_id", int64(msg.ID)))
	observability.RecordSubmission("accepted")
	logger := tracing.LoggerFromContext(dctx, s.logger)
	logger.Debug().
		Uint64("generation", uint64(gen)).
		Uint64("message_id", uint64(msg.ID)).
		Int("turns", len(req.Context)).
		Msg("Message submitted")

	if dispatcher != nil {
		dispatcher.Dispatch(dctx, req, s)
	}

	return msg, nil
}

func (s *Session) validateLocked(content string) error {
	if s.pending {
		return ErrPending
	}
	if content == "" {
		return ErrEmptyMessage
	}
	if s.maxLength > 0 && utf8.RuneCountInString(content) > s.maxLength {
		return fmt.Errorf("%w: %d characters (max %d)", ErrTooLong, utf8.RuneCountInString(content), s.maxLength)
	}
	if s.filter != nil {
		if ok, reason := s.filter.Allow(content); !ok {
			return fmt.Errorf("%w: %s", ErrBlocked, reason)
		}
	}
	return nil
}

func rejectionOutcome(err error) string {
	switch {
	case errors.Is(err, ErrPending):
		return "pending"
	case errors.Is(err, ErrEmptyMessage):
		return "empty"
	case errors.Is(err, ErrTooLong):
		return "too_long"
	default:
		return "blocked"
	}
}

// Receive appends the assistant reply for generation gen and clears the
// pending flag. A reply for an older generation is discarded and reported
// as (false, nil). A reply while nothing is pending returns ErrNotPending.
// A blank reply fails the exchange and returns ErrEmptyReply.
func (s *Session) Receive(gen Generation, reply string) (bool, error) {
	s.mu.Lock()

	if gen != s.generation {
		s.queueLocked(Event{Type: EventReplyDiscarded, Pending: s.pending})
		current := s.generation
		s.mu.Unlock()
		s.flush()

		observability.RecordStaleReply()
		s.logger.Debug().
			Uint64("generation", uint64(gen)).
			Uint64("current_generation", uint64(current)).
			Msg("Discarded reply from previous generation")
		return false, nil
	}

	if !s.pending {
		s.mu.Unlock()
		s.logger.Error().Err(ErrNotPending).Uint64("generation", uint64(gen)).Msg("Dispatcher contract violated")
		return false, ErrNotPending
	}

	if strings.TrimSpace(reply) == "" {
		s.failLocked(ErrEmptyReply)
		s.mu.Unlock()
		s.flush()
		return false, ErrEmptyReply
	}

	msg := s.appendLocked(RoleAssistant, reply)
	s.pending = false
	s.releaseLocked()
	s.queueLocked(Event{Type: EventMessageAppended, Message: &msg})
	s.queueLocked(Event{Type: EventPendingChanged})
	s.mu.Unlock()
	s.flush()

	s.logger.Debug().Uint64("message_id", uint64(msg.ID)).Msg("Reply received")
	return true, nil
}

// Fail ends the pending exchange of generation gen without a reply. The
// user message that started it is marked failed with the cause. It reports
// whether the failure was applied.
func (s *Session) Fail(gen Generation, cause error) bool {
	if cause == nil {
		cause = fmt.Errorf("dispatch failed")
	}

	s.mu.Lock()
	if gen != s.generation {
		s.queueLocked(Event{Type: EventReplyDiscarded, Pending: s.pending, Error: cause.Error()})
		s.mu.Unlock()
		s.flush()
		observability.RecordStaleReply()
		return false
	}
	if !s.pending {
		s.mu.Unlock()
		s.logger.Warn().Err(cause).Msg("Failure reported while no dispatch is pending")
		return false
	}

	s.failLocked(cause)
	s.mu.Unlock()
	s.flush()

	s.logger.Warn().Err(cause).Uint64("generation", uint64(gen)).Msg("Dispatch failed")
	return true
}

func (s *Session) failLocked(cause error) {
	var failed *Message
	for i := len(s.timeline) - 1; i >= 0; i-- {
		if s.timeline[i].ID == s.pendingID {
			s.timeline[i].Status = StatusFailed
			s.timeline[i].Error = cause.Error()
			m := s.timeline[i]
			failed = &m
			break
		}
	}

	s.pending = false
	s.lastError = cause.Error()
	s.releaseLocked()

	s.queueLocked(Event{Type: EventMessageFailed, Message: failed, Error: cause.Error()})
	s.queueLocked(Event{Type: EventPendingChanged, Error: cause.Error()})
}

// Reset clears the timeline and draft and starts a new generation. It
// succeeds even while a reply is pending: the in-flight dispatch is
// cancelled and its eventual result is discarded. The discarded timeline
// is returned.
func (s *Session) Reset() []Message {
	old, _ := s.reset()
	return old
}

func (s *Session) reset() ([]Message, Generation) {
	s.mu.Lock()
	old := s.timeline
	oldGen := s.generation
	wasPending := s.pending

	s.releaseLocked()
	s.timeline = nil
	s.draft = ""
	s.pending = false
	s.pendingID = 0
	s.lastError = ""
	s.generation++
	gen := s.generation

	s.queueLocked(Event{Type: EventSessionReset})
	s.mu.Unlock()
	s.flush()

	observability.RecordReset()
	s.logger.Debug().
		Uint64("generation", uint64(gen)).
		Bool("was_pending", wasPending).
		Int("messages", len(old)).
		Msg("Session reset")

	return old, oldGen
}

// releaseLocked cancels the in-flight dispatch context, if any.
func (s *Session) releaseLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) appendLocked(role Role, content string) Message {
	now := s.clock()
	if now.Before(s.lastAt) {
		now = s.lastAt
	}
	s.lastAt = now
	s.nextID++

	msg := Message{
		ID:        s.nextID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
		Status:    StatusOK,
	}
	s.timeline = append(s.timeline, msg)
	return msg
}

func (s *Session) queueLocked(e Event) {
	e.SessionID = s.id
	e.Generation = s.generation
	e.Draft = s.draft
	e.At = s.lastAt
	if e.Message != nil {
		e.At = e.Message.CreatedAt
	}
	s.outbox = append(s.outbox, e)
}

// flush delivers queued events. Only one goroutine delivers at a time;
// events queued meanwhile are picked up by the loop.
func (s *Session) flush() {
	for {
		s.mu.Lock()
		if s.draining || len(s.outbox) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.outbox
		s.outbox = nil
		s.draining = true
		s.mu.Unlock()

		s.subs.emit(batch)

		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}
}

// Timeline returns a copy of the timeline.
func (s *Session) Timeline() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.timeline...)
}

// Pending reports whether a reply is outstanding.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Generation returns the current generation token.
func (s *Session) Generation() Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// LastError returns the failure of the most recent exchange, if it failed.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Snapshot returns a consistent copy of the observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		SessionID:  s.id,
		Generation: s.generation,
		Title:      TitleOf(s.timeline),
		Timeline:   append([]Message(nil), s.timeline...),
		Draft:      s.draft,
		Pending:    s.pending,
		CanSubmit:  s.canSubmitLocked(),
		LastError:  s.lastError,
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.lastAt,
	}
}
