package chat

import (
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus records the outcome of the exchange a message belongs to.
type MessageStatus string

const (
	StatusOK     MessageStatus = "ok"
	StatusFailed MessageStatus = "failed"
)

// MessageID is unique within a session and strictly increasing in creation order.
type MessageID uint64

// Generation identifies one incarnation of a session. Reset starts a new one.
type Generation uint64

// Message is one entry of a session timeline.
type Message struct {
	ID        MessageID     `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	Status    MessageStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// Failed reports whether the exchange this message started did not get a reply.
func (m Message) Failed() bool {
	return m.Status == StatusFailed
}

// Turn is the role and content of a message as handed to a backend.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Turns converts a timeline into backend context. Failed exchanges are
// dropped so the backend never sees a question it did not answer.
func Turns(timeline []Message) []Turn {
	turns := make([]Turn, 0, len(timeline))
	for _, m := range timeline {
		if m.Failed() {
			continue
		}
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// Snapshot is a consistent, read-only copy of a session's observable state.
type Snapshot struct {
	SessionID  string     `json:"session_id"`
	Generation Generation `json:"generation"`
	Title      string     `json:"title"`
	Timeline   []Message  `json:"timeline"`
	Draft      string     `json:"draft"`
	Pending    bool       `json:"pending"`
	CanSubmit  bool       `json:"can_submit"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DefaultTitle is shown for a conversation that has no messages yet.
const DefaultTitle = "New conversation"

const maxTitleRunes = 60

// TitleOf derives a conversation title from its first message.
func TitleOf(timeline []Message) string {
	if len(timeline) == 0 {
		return DefaultTitle
	}
	runes := []rune(timeline[0].Content)
	for i, r := range runes {
		if r == '\n' {
			runes = runes[:i]
			break
		}
	}
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes-1]) + "…"
	}
	return string(runes)
}
