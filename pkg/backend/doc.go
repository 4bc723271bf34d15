// Package backend produces assistant replies for chat sessions.
//
// Two backends implement chat.Backend:
// - Echo acknowledges the latest user message after a fixed delay.
// - Failover calls LLM provider profiles (Anthropic, OpenAI, Gemini or a
//   hosted agent app) in priority order with retries and cooldowns.
//
// Invariants:
// - A profile that fails is skipped for one minute per consecutive failure.
// - Transient errors are retried with 1s, 2s, 4s backoff; others fail fast.
// - Providers never receive a conversation that starts with an assistant turn.
//
// Usage:
//
//	b, _ := backend.New(cfg.Backend, logger)
//	d, _ := chat.NewAsyncDispatcher(b, chat.WithQueue(queue))
package backend
