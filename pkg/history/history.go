package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/mailpilot/internal/config"
	"github.com/harun/mailpilot/pkg/chat"
)

const tracerName = "mailpilot.history"

// ErrNotFound is returned for an unknown transcript ID.
var ErrNotFound = errors.New("transcript not found")

// Transcript is an archived conversation.
type Transcript struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Generation uint64         `json:"generation"`
	Title      string         `json:"title"`
	Messages   []chat.Message `json:"messages"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
}

// Summary is the list view of a transcript.
type Summary struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Messages  int       `json:"messages"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Summarize returns the list view of t.
func (t Transcript) Summarize() Summary {
	return Summary{
		ID:        t.ID,
		SessionID: t.SessionID,
		Title:     t.Title,
		Messages:  len(t.Messages),
		StartedAt: t.StartedAt,
		EndedAt:   t.EndedAt,
	}
}

// Store persists transcripts.
type Store interface {
	// Save writes t, replacing any transcript with the same ID.
	Save(ctx context.Context, t Transcript) error
	Get(ctx context.Context, id string) (Transcript, error)
	// List returns summaries, most recently ended first.
	List(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, id string) error
	// Prune deletes transcripts that ended before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	// Name identifies the backend in metrics.
	Name() string
	Close() error
}

// Open creates the store selected by cfg.
func Open(cfg config.HistoryConfig) (Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("history directory is required")
	}

	switch cfg.Store {
	case "", config.HistoryStoreJSONL:
		return NewFileStore(cfg.Dir)
	case config.HistoryStoreSQLite:
		return NewSQLiteStore(filepath.Join(cfg.Dir, "history.db"))
	default:
		return nil, fmt.Errorf("unsupported history store: %s", cfg.Store)
	}
}

// validateID rejects IDs that could escape the store directory.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("transcript id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("transcript id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("transcript id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("transcript id cannot contain null bytes")
	}
	return nil
}
