package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/mailpilot/internal/tracing"
	"github.com/harun/mailpilot/pkg/chat"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		title TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transcripts_ended_at ON transcripts(ended_at);

	CREATE TABLE IF NOT EXISTS messages (
		transcript_id TEXT NOT NULL REFERENCES transcripts(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (transcript_id, seq)
	);
`

// SQLiteStore keeps transcripts in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("History sqlite store initialized")
	return &SQLiteStore{db: db}, nil
}

// Name implements Store.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, t Transcript) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "history.save",
		attribute.String("store", s.Name()),
		attribute.String("transcript_id", t.ID),
	)
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := validateID(t.ID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE transcript_id = ?", t.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO transcripts (id, session_id, generation, title, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, int64(t.Generation), t.Title, t.StartedAt.UnixNano(), t.EndedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (transcript_id, seq, message_id, role, content, created_at, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range t.Messages {
		if _, err = stmt.ExecContext(ctx,
			t.ID, i, int64(m.ID), string(m.Role), m.Content, m.CreatedAt.UnixNano(), string(m.Status), m.Error,
		); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcript: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("transcript_id", t.ID).
		Int("messages", len(t.Messages)).
		Msg("Transcript saved")
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Transcript, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "history.get",
		attribute.String("store", s.Name()),
		attribute.String("transcript_id", id),
	)
	defer span.End()

	var (
		t              Transcript
		gen            int64
		started, ended int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, session_id, generation, title, started_at, ended_at FROM transcripts WHERE id = ?", id,
	).Scan(&t.ID, &t.SessionID, &gen, &t.Title, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Transcript{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Transcript{}, fmt.Errorf("failed to load transcript: %w", err)
	}
	t.Generation = uint64(gen)
	t.StartedAt = time.Unix(0, started)
	t.EndedAt = time.Unix(0, ended)

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, role, content, created_at, status, error
		 FROM messages WHERE transcript_id = ? ORDER BY seq`, id)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m         chat.Message
			msgID     int64
			role      string
			status    string
			createdAt int64
		)
		if err := rows.Scan(&msgID, &role, &m.Content, &createdAt, &status, &m.Error); err != nil {
			return Transcript{}, fmt.Errorf("failed to scan message: %w", err)
		}
		m.ID = chat.MessageID(msgID)
		m.Role = chat.Role(role)
		m.Status = chat.MessageStatus(status)
		m.CreatedAt = time.Unix(0, createdAt)
		t.Messages = append(t.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return Transcript{}, fmt.Errorf("failed to read messages: %w", err)
	}
	return t, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.session_id, t.title, t.started_at, t.ended_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.transcript_id = t.id)
		FROM transcripts t
		ORDER BY t.ended_at DESC, t.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum            Summary
			started, ended int64
		)
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.Title, &started, &ended, &sum.Messages); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		sum.StartedAt = time.Unix(0, started)
		sum.EndedAt = time.Unix(0, ended)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM transcripts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Str("transcript_id", id).Msg("Transcript deleted")
	return nil
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM transcripts WHERE ended_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune transcripts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
