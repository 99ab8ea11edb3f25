package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/killallgit/divechat/pkg/config"
	"github.com/killallgit/divechat/pkg/transcript"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS messages (
    chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    id TEXT NOT NULL,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    is_error INTEGER NOT NULL DEFAULT 0,
    files TEXT,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (chat_id, position)
);
`

// Memory is a TranscriptStore backed by a local SQLite database. Messages
// are stored in their wire text form and parsed back on load.
type Memory struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// New opens (creating if needed) the database at dbPath
func New(dbPath string) (*Memory, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	// SQLite allows one writer
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Memory{db: db, dbPath: dbPath, now: time.Now}, nil
}

// NewFromConfig opens the cache configured in cache.path, relative to the
// settings directory
func NewFromConfig() (*Memory, error) {
	return New(config.BuildSettingsPath(config.Get().Cache.Path))
}

func (m *Memory) IsEnabled() bool {
	return true
}

func (m *Memory) Path() string {
	return m.dbPath
}

func (m *Memory) SaveTranscript(ctx context.Context, chatID, title string, msgs []transcript.Message) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chats (id, title, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at`,
		chatID, title, m.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save chat %s: %w", chatID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to clear messages of %s: %w", chatID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (chat_id, position, id, role, text, is_error, files, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range msgs {
		files, err := encodeFiles(msg.Files)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, chatID, i, msg.ID, string(msg.Role), storedText(msg),
			msg.IsError, files, msg.Timestamp.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcript of %s: %w", chatID, err)
	}
	return nil
}

func (m *Memory) LoadTranscript(ctx context.Context, chatID string) (string, []transcript.Message, error) {
	var title string
	err := m.db.QueryRowContext(ctx, `SELECT title FROM chats WHERE id = ?`, chatID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, chatID)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load chat %s: %w", chatID, err)
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT id, role, text, is_error, files, created_at FROM messages
		 WHERE chat_id = ? ORDER BY position`, chatID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load messages of %s: %w", chatID, err)
	}
	defer rows.Close()

	var msgs []transcript.Message
	for rows.Next() {
		var (
			msg       transcript.Message
			role      string
			text      string
			files     sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &role, &text, &msg.IsError, &files, &createdAt); err != nil {
			return "", nil, fmt.Errorf("failed to read message: %w", err)
		}
		msg.Role = transcript.Role(role)
		msg.Timestamp = time.UnixMilli(createdAt)
		if files.Valid && files.String != "" {
			if err := json.Unmarshal([]byte(files.String), &msg.Files); err != nil {
				return "", nil, fmt.Errorf("failed to decode files of %s: %w", msg.ID, err)
			}
		}
		if err := restoreBody(&msg, text); err != nil {
			return "", nil, fmt.Errorf("failed to parse message %s: %w", msg.ID, err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("failed to load messages of %s: %w", chatID, err)
	}
	return title, msgs, nil
}

func (m *Memory) ListTranscripts(ctx context.Context) ([]Summary, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT c.id, c.title, c.updated_at, COUNT(m.position)
		 FROM chats c LEFT JOIN messages m ON m.chat_id = c.id
		 GROUP BY c.id ORDER BY c.updated_at DESC, c.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var updated int64
		if err := rows.Scan(&s.ChatID, &s.Title, &updated, &s.Messages); err != nil {
			return nil, fmt.Errorf("failed to read transcript summary: %w", err)
		}
		s.UpdatedAt = time.UnixMilli(updated)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (m *Memory) DeleteTranscript(ctx context.Context, chatID string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to delete transcript %s: %w", chatID, err)
	}
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM chats`); err != nil {
		return fmt.Errorf("failed to clear transcripts: %w", err)
	}
	return nil
}

func (m *Memory) Close() error {
	return m.db.Close()
}

// storedText is the wire form of a reply, or the raw prompt text
func storedText(msg transcript.Message) string {
	if msg.IsSent() || msg.IsError {
		return msg.PlainText()
	}
	return msg.Text()
}

func restoreBody(msg *transcript.Message, text string) error {
	if msg.IsSent() || msg.IsError {
		if text != "" {
			msg.Body = transcript.TextBody(text)
		}
		return nil
	}
	body, sources, err := transcript.ParseText(text)
	if err != nil {
		return err
	}
	msg.Body = body
	msg.Sources = sources
	return nil
}

func encodeFiles(files []transcript.File) (sql.NullString, error) {
	if len(files) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(files)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode files: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

var _ TranscriptStore = (*Memory)(nil)
