package history

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mailpilot/pkg/chat"
)

func TestArchiver(t *testing.T) {
	ctx := context.Background()

	t.Run("should store a conversation as a transcript", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		a := NewArchiver(store)

		conv := chat.Conversation{
			SessionID:  "main",
			Generation: 3,
			Title:      "Summarize my inbox",
			Messages:   sampleTranscript("x", baseTime).Messages,
			EndedAt:    baseTime,
		}
		require.NoError(t, a.Archive(ctx, conv))

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.True(t, strings.HasPrefix(list[0].ID, "main-3-"))

		got, err := store.Get(ctx, list[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "main", got.SessionID)
		assert.Equal(t, uint64(3), got.Generation)
		assert.Equal(t, "Summarize my inbox", got.Title)
		assert.Len(t, got.Messages, 3)
		assert.True(t, got.StartedAt.Equal(conv.Messages[0].CreatedAt))
		assert.True(t, got.EndedAt.Equal(baseTime))
	})

	t.Run("should give each archive of a session its own transcript", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		a := NewArchiver(store)

		conv := chat.Conversation{SessionID: "main", Generation: 1, Messages: sampleTranscript("x", baseTime).Messages}
		require.NoError(t, a.Archive(ctx, conv))
		require.NoError(t, a.Archive(ctx, conv))

		list, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("should fall back to a generated id for unsafe session ids", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)
		a := NewArchiver(store)

		conv := chat.Conversation{SessionID: "../etc", Generation: 1, EndedAt: time.Now()}
		require.NoError(t, a.Archive(ctx, conv))

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.NotContains(t, list[0].ID, "..")
	})

	t.Run("should archive through a chat manager", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir())
		require.NoError(t, err)

		mgr := chat.NewManager(chat.WithArchiver(NewArchiver(store)))
		s, err := mgr.Create("main")
		require.NoError(t, err)
		s.SetDraft("hello")
		_, err = s.SubmitDraft(ctx)
		require.NoError(t, err)
		s.Receive(s.Generation(), "hi there")

		_, err = mgr.NewChat(ctx, "main")
		require.NoError(t, err)

		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "hello", list[0].Title)
		assert.Equal(t, 2, list[0].Messages)
	})
}
