package chat

import (
	"context"
	"strings"
)

// SetDraft replaces the staged text. It is not validated.
func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	if s.draft == text {
		s.mu.Unlock()
		return
	}
	s.draft = text
	s.queueLocked(Event{Type: EventDraftChanged, Pending: s.pending})
	s.mu.Unlock()
	s.flush()
}

// Prefill stages a quick-start suggestion. It behaves like SetDraft.
func (s *Session) Prefill(suggestion string) {
	s.SetDraft(suggestion)
}

// Draft returns the staged text, untrimmed.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// CanSubmit reports whether the draft would be accepted by SubmitDraft as
// far as emptiness and the pending flag go. Submit stays authoritative.
func (s *Session) CanSubmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSubmitLocked()
}

func (s *Session) canSubmitLocked() bool {
	return !s.pending && strings.TrimSpace(s.draft) != ""
}

// SubmitDraft submits the staged draft.
func (s *Session) SubmitDraft(ctx context.Context) (Message, error) {
	return s.submit(ctx, "", true)
}

// PressEnter applies the commit keystroke. A plain press submits the draft;
// with a newline modifier held it appends "\n" to the draft instead. It
// reports whether a message was submitted.
func (s *Session) PressEnter(ctx context.Context, newlineModifier bool) (bool, error) {
	if newlineModifier {
		s.mu.Lock()
		s.draft += "\n"
		s.queueLocked(Event{Type: EventDraftChanged, Pending: s.pending})
		s.mu.Unlock()
		s.flush()
		return false, nil
	}

	if _, err := s.SubmitDraft(ctx); err != nil {
		return false, err
	}
	return true, nil
}
