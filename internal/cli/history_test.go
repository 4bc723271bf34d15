package cli

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mailpilot/internal/config"
	"github.com/harun/mailpilot/pkg/chat"
	"github.com/harun/mailpilot/pkg/history"
)

func seedHistory(t *testing.T, cfg *config.Config) {
	t.Helper()

	store, err := history.NewFileStore(cfg.History.Dir)
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	transcripts := []history.Transcript{
		{
			ID:        "conv-recent",
			SessionID: "s1",
			Title:     "Summarize my inbox",
			Messages: []chat.Message{
				{ID: 1, Role: chat.RoleUser, Content: "Summarize my inbox", CreatedAt: now, Status: chat.StatusOK},
				{ID: 2, Role: chat.RoleAssistant, Content: "You have 3 unread emails.", CreatedAt: now, Status: chat.StatusOK},
			},
			StartedAt: now.Add(-time.Minute),
			EndedAt:   now,
		},
		{
			ID:        "conv-old",
			SessionID: "s2",
			Title:     "Archive old emails",
			Messages: []chat.Message{
				{ID: 1, Role: chat.RoleUser, Content: "Archive old emails", CreatedAt: now, Status: chat.StatusFailed, Error: "backend offline"},
			},
			StartedAt: now.Add(-72 * time.Hour),
			EndedAt:   now.Add(-71 * time.Hour),
		},
	}
	for _, tr := range transcripts {
		require.NoError(t, store.Save(context.Background(), tr))
	}
}

func TestHistoryCommand(t *testing.T) {
	path, cfg := writeTestConfig(t, nil)
	seedHistory(t, cfg)

	t.Run("should list newest first", func(t *testing.T) {
		out, err := execute(t, "", "history", "list", "--config", path)
		require.NoError(t, err)

		assert.Contains(t, out, "TITLE")
		recent := strings.Index(out, "conv-recent")
		old := strings.Index(out, "conv-old")
		require.GreaterOrEqual(t, recent, 0)
		require.GreaterOrEqual(t, old, 0)
		assert.Less(t, recent, old)
	})

	t.Run("should honour the limit", func(t *testing.T) {
		out, err := execute(t, "", "history", "list", "--limit", "1", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "conv-recent")
		assert.NotContains(t, out, "conv-old")
	})

	t.Run("should show a transcript", func(t *testing.T) {
		out, err := execute(t, "", "history", "show", "conv-old", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Archive old emails")
		assert.Contains(t, out, "not delivered: backend offline")
	})

	t.Run("should show a transcript as JSON", func(t *testing.T) {
		out, err := execute(t, "", "history", "show", "conv-recent", "--json", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, `"session_id": "s1"`)
	})

	t.Run("should fail for an unknown transcript", func(t *testing.T) {
		_, err := execute(t, "", "history", "show", "missing", "--config", path)
		assert.ErrorIs(t, err, history.ErrNotFound)
	})

	t.Run("should prune by age", func(t *testing.T) {
		out, err := execute(t, "", "history", "prune", "--older-than", "24h", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Removed 1 conversation(s)")

		out, err = execute(t, "", "history", "list", "--config", path)
		require.NoError(t, err)
		assert.NotContains(t, out, "conv-old")
	})

	t.Run("should delete a transcript", func(t *testing.T) {
		_, err := execute(t, "", "history", "delete", "conv-recent", "--config", path)
		require.NoError(t, err)

		out, err := execute(t, "", "history", "list", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "No archived conversations")
	})
}

func TestHistoryDisabled(t *testing.T) {
	path, _ := writeTestConfig(t, func(c *config.Config) { c.History.Enabled = false })

	_, err := execute(t, "", "history", "list", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
