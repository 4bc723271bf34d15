// Package chat holds the conversation state of the assistant: the message
// timeline, the input gate that guards submission, and the dispatcher that
// fetches replies from a backend without blocking the caller.
//
// Invariants:
// - The timeline is append-only between resets; message IDs strictly increase.
// - At most one exchange is pending per session; submissions while pending are rejected.
// - Every accepted submission is resolved exactly once: a reply, a failure, or a reset.
// - Replies and failures carrying an old generation are discarded.
// - Events are delivered in the order the state changed.
//
// Usage:
//
//	d, _ := chat.NewAsyncDispatcher(backend, chat.WithQueue(queue))
//	s := chat.NewSession(chat.WithDispatcher(d))
//	s.Subscribe(func(e chat.Event) { render(e) })
//	s.Prefill("Summarize my inbox")
//	_, err := s.SubmitDraft(ctx)
package chat
