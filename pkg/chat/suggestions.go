package chat

import "sync"

// Suggestion is a quick-start prompt offered on an empty conversation.
type Suggestion struct {
	Text        string `json:"text"`
	Description string `json:"description"`
}

// Suggestions is a replaceable list of quick-start prompts, safe for
// concurrent use so it can be swapped on config reload.
type Suggestions struct {
	mu    sync.RWMutex
	items []Suggestion
}

// NewSuggestions creates a catalog holding items.
func NewSuggestions(items []Suggestion) *Suggestions {
	c := &Suggestions{}
	c.Replace(items)
	return c
}

// List returns a copy of the prompts.
func (c *Suggestions) List() []Suggestion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Suggestion(nil), c.items...)
}

// Get returns the prompt at index i.
func (c *Suggestions) Get(i int) (Suggestion, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.items) {
		return Suggestion{}, false
	}
	return c.items[i], true
}

// Replace swaps the prompt list. Entries without text are dropped.
func (c *Suggestions) Replace(items []Suggestion) {
	kept := make([]Suggestion, 0, len(items))
	for _, s := range items {
		if s.Text != "" {
			kept = append(kept, s)
		}
	}

	c.mu.Lock()
	c.items = kept
	c.mu.Unlock()
}

// Len returns the number of prompts.
func (c *Suggestions) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
