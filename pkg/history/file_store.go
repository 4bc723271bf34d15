package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/mailpilot/internal/tracing"
	"github.com/harun/mailpilot/pkg/chat"
)

const (
	entryHeader  = "header"
	entryMessage = "message"
)

// fileEntry is one JSONL line. The first line of a file is the header.
type fileEntry struct {
	Type       string        `json:"type"`
	ID         string        `json:"id,omitempty"`
	SessionID  string        `json:"session_id,omitempty"`
	Generation uint64        `json:"generation,omitempty"`
	Title      string        `json:"title,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	EndedAt    time.Time     `json:"ended_at,omitempty"`
	Message    *chat.Message `json:"message,omitempty"`
}

// FileStore keeps one JSONL file per transcript.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates a store under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("History file store initialized")
	return &FileStore{dir: dir}, nil
}

// Name implements Store.
func (s *FileStore) Name() string { return "jsonl" }

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Save writes the transcript to a temp file and renames it into place.
func (s *FileStore) Save(ctx context.Context, t Transcript) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "history.save",
		attribute.String("store", s.Name()),
		attribute.String("transcript_id", t.ID),
	)
	defer span.End()

	if err := validateID(t.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(t.ID)
	tempPath := target + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create transcript file: %w", err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	writeErr := enc.Encode(fileEntry{
		Type:       entryHeader,
		ID:         t.ID,
		SessionID:  t.SessionID,
		Generation: t.Generation,
		Title:      t.Title,
		StartedAt:  t.StartedAt,
		EndedAt:    t.EndedAt,
	})
	for i := range t.Messages {
		if writeErr != nil {
			break
		}
		writeErr = enc.Encode(fileEntry{Type: entryMessage, Message: &t.Messages[i]})
	}
	if writeErr == nil {
		writeErr = w.Flush()
	}
	if writeErr == nil {
		writeErr = file.Sync()
	}
	file.Close()

	if writeErr != nil {
		os.Remove(tempPath)
		span.RecordError(writeErr)
		span.SetStatus(codes.Error, writeErr.Error())
		return fmt.Errorf("failed to write transcript: %w", writeErr)
	}

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to replace transcript file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("transcript_id", t.ID).
		Int("messages", len(t.Messages)).
		Msg("Transcript saved")
	return nil
}

// Get loads a transcript. Corrupt lines are skipped.
func (s *FileStore) Get(ctx context.Context, id string) (Transcript, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "history.get",
		attribute.String("store", s.Name()),
		attribute.String("transcript_id", id),
	)
	defer span.End()

	if err := validateID(id); err != nil {
		return Transcript{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.read(ctx, id, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return t, err
}

// read parses a transcript file. With headerOnly it stops after the first line.
func (s *FileStore) read(ctx context.Context, id string, headerOnly bool) (Transcript, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	file, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Transcript{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Transcript{}, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	var (
		t         Transcript
		hasHeader bool
		lineNum   int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry fileEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Str("transcript_id", id).Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}

		switch entry.Type {
		case entryHeader:
			t.ID = entry.ID
			t.SessionID = entry.SessionID
			t.Generation = entry.Generation
			t.Title = entry.Title
			t.StartedAt = entry.StartedAt
			t.EndedAt = entry.EndedAt
			hasHeader = true
			if headerOnly {
				return t, nil
			}
		case entryMessage:
			if entry.Message == nil || entry.Message.Role == "" {
				logger.Warn().Str("transcript_id", id).Int("line", lineNum).Msg("Invalid entry, skipping")
				continue
			}
			t.Messages = append(t.Messages, *entry.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return Transcript{}, fmt.Errorf("failed to read transcript: %w", err)
	}
	if !hasHeader {
		return Transcript{}, fmt.Errorf("transcript %s has no header", id)
	}
	if t.ID == "" {
		t.ID = id
	}
	return t, nil
}

func (s *FileStore) ids() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}
	return ids, nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.ids()
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		t, err := s.read(ctx, id, false)
		if err != nil {
			log.Warn().Str("transcript_id", id).Err(err).Msg("Skipping unreadable transcript")
			continue
		}
		out = append(out, t.Summarize())
	}
	sortSummaries(out)
	return out, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Str("transcript_id", id).Msg("Transcript deleted")
	return nil
}

// Prune implements Store.
func (s *FileStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.ids()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		t, err := s.read(ctx, id, true)
		if err != nil {
			log.Warn().Str("transcript_id", id).Err(err).Msg("Failed to read transcript header")
			continue
		}
		if !t.EndedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
			log.Error().Str("transcript_id", id).Err(err).Msg("Failed to delete transcript")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func sortSummaries(out []Summary) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndedAt.Equal(out[j].EndedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].EndedAt.After(out[j].EndedAt)
	})
}
