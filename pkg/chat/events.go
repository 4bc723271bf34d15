package chat

import (
	"sync"
	"time"
)

// EventType names a session state change.
type EventType string

const (
	EventMessageAppended EventType = "message.appended"
	EventMessageFailed   EventType = "message.failed"
	EventPendingChanged  EventType = "pending.changed"
	EventDraftChanged    EventType = "draft.changed"
	EventSessionReset    EventType = "session.reset"
	EventReplyDiscarded  EventType = "reply.discarded"
)

// Event describes one state change. Fields not relevant to Type are zero.
type Event struct {
	Type       EventType  `json:"type"`
	SessionID  string     `json:"session_id"`
	Generation Generation `json:"generation"`
	Message    *Message   `json:"message,omitempty"`
	Pending    bool       `json:"pending"`
	Draft      string     `json:"draft,omitempty"`
	Error      string     `json:"error,omitempty"`
	At         time.Time  `json:"at"`
}

// EventHandler observes session events. Events are delivered in the order
// the changes happened, outside the session lock, on one of the goroutines
// that changed the session. Handlers may read the session but should not
// block.
type EventHandler func(Event)

type subscribers struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
	order    []int
}

func (s *subscribers) add(h EventHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[int]EventHandler)
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *subscribers) emit(events []Event) {
	s.mu.RLock()
	handlers := make([]EventHandler, 0, len(s.order))
	for _, id := range s.order {
		handlers = append(handlers, s.handlers[id])
	}
	s.mu.RUnlock()

	for _, e := range events {
		for _, h := range handlers {
			h(e)
		}
	}
}
