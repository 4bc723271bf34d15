package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_Draft(t *testing.T) {
	t.Run("should replace draft without validation", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.SetDraft("   ")
		assert.Equal(t, "   ", s.Draft())
		assert.False(t, s.CanSubmit())

		s.SetDraft("hello")
		assert.Equal(t, "hello", s.Draft())
		assert.True(t, s.CanSubmit())
	})

	t.Run("should not emit when draft is unchanged", func(t *testing.T) {
		s, _ := newTestSession(t)
		count := 0
		s.Subscribe(func(Event) { count++ })

		s.SetDraft("a")
		s.SetDraft("a")
		assert.Equal(t, 1, count)
	})

	t.Run("should prefill a suggestion without touching the timeline", func(t *testing.T) {
		s, d := newTestSession(t)
		s.Prefill("Archive old emails")

		assert.Equal(t, "Archive old emails", s.Draft())
		assert.Empty(t, s.Timeline())
		assert.False(t, s.Pending())

		msg, err := s.SubmitDraft(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Archive old emails", msg.Content)
		assert.Equal(t, "", s.Draft())
		req, _ := d.last()
		assert.Equal(t, []Turn{{Role: RoleUser, Content: "Archive old emails"}}, req.Context)
	})

	t.Run("should report pending sessions as not submittable", func(t *testing.T) {
		s, _ := newTestSession(t)
		_, err := s.Submit(context.Background(), "hello")
		require.NoError(t, err)

		s.SetDraft("next")
		assert.False(t, s.CanSubmit())
		_, err = s.SubmitDraft(context.Background())
		assert.ErrorIs(t, err, ErrPending)
		assert.Equal(t, "next", s.Draft())
	})
}

func TestGate_PressEnter(t *testing.T) {
	t.Run("should submit the draft on a plain press", func(t *testing.T) {
		s, d := newTestSession(t)
		s.SetDraft("Summarize my inbox")

		submitted, err := s.PressEnter(context.Background(), false)
		require.NoError(t, err)
		assert.True(t, submitted)
		assert.Equal(t, 1, d.count())
		assert.True(t, s.Pending())
	})

	t.Run("should insert a newline with the modifier held", func(t *testing.T) {
		s, d := newTestSession(t)
		s.SetDraft("line one")

		submitted, err := s.PressEnter(context.Background(), true)
		require.NoError(t, err)
		assert.False(t, submitted)
		assert.Equal(t, "line one\n", s.Draft())
		assert.Equal(t, 0, d.count())

		s.SetDraft(s.Draft() + "line two")
		_, err = s.PressEnter(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, "line one\nline two", s.Timeline()[0].Content)
	})

	t.Run("should report an empty draft", func(t *testing.T) {
		s, _ := newTestSession(t)
		submitted, err := s.PressEnter(context.Background(), false)
		assert.ErrorIs(t, err, ErrEmptyMessage)
		assert.False(t, submitted)
	})

	t.Run("should insert newlines while pending", func(t *testing.T) {
		s, _ := newTestSession(t)
		_, err := s.Submit(context.Background(), "hello")
		require.NoError(t, err)

		submitted, err := s.PressEnter(context.Background(), true)
		require.NoError(t, err)
		assert.False(t, submitted)
		assert.Equal(t, "\n", s.Draft())
	})
}

func TestSuggestions(t *testing.T) {
	t.Run("should drop entries without text", func(t *testing.T) {
		c := NewSuggestions([]Suggestion{{Text: "Summarize my inbox"}, {Description: "no text"}})
		assert.Equal(t, 1, c.Len())

		sg, ok := c.Get(0)
		require.True(t, ok)
		assert.Equal(t, "Summarize my inbox", sg.Text)

		_, ok = c.Get(1)
		assert.False(t, ok)
		_, ok = c.Get(-1)
		assert.False(t, ok)
	})

	t.Run("should return copies from List", func(t *testing.T) {
		c := NewSuggestions([]Suggestion{{Text: "a"}})
		list := c.List()
		list[0].Text = "changed"
		sg, _ := c.Get(0)
		assert.Equal(t, "a", sg.Text)
	})

	t.Run("should replace the catalog", func(t *testing.T) {
		c := NewSuggestions([]Suggestion{{Text: "a"}})
		c.Replace([]Suggestion{{Text: "b"}, {Text: "c"}})
		assert.Equal(t, 2, c.Len())
	})
}
