package history

import (
	"context"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/mailpilot/internal/observability"
	"github.com/harun/mailpilot/pkg/chat"
)

// Archiver saves conversations cleared from chat sessions into a Store.
// It implements chat.Archiver.
type Archiver struct {
	store Store
}

// NewArchiver creates an archiver writing to store.
func NewArchiver(store Store) *Archiver {
	observability.EnsureRegistered()
	return &Archiver{store: store}
}

// Archive implements chat.Archiver.
func (a *Archiver) Archive(ctx context.Context, c chat.Conversation) error {
	start := time.Now()

	id, err := gonanoid.New()
	if err != nil {
		return fmt.Errorf("failed to generate transcript id: %w", err)
	}

	transcriptID := fmt.Sprintf("%s-%d-%s", c.SessionID, c.Generation, id)
	if validateID(transcriptID) != nil {
		transcriptID = id
	}

	t := Transcript{
		ID:         transcriptID,
		SessionID:  c.SessionID,
		Generation: uint64(c.Generation),
		Title:      c.Title,
		Messages:   c.Messages,
		EndedAt:    c.EndedAt,
	}
	if len(c.Messages) > 0 {
		t.StartedAt = c.Messages[0].CreatedAt
	}
	if t.EndedAt.IsZero() {
		t.EndedAt = start
	}

	err = a.store.Save(ctx, t)
	observability.RecordHistoryArchive(a.store.Name(), time.Since(start), err == nil)
	return err
}
