// Package chatstore persists users, chats, messages, and upload records
// in SQLite. The retrieval engine treats it as an external collaborator:
// the only call the core depends on is UploadsForChat.
package chatstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/CampusChat/campuschat/engine/domain"
)

var (
	ErrUserExists   = errors.New("username already taken")
	ErrBadLogin     = errors.New("invalid username or password")
	ErrChatNotFound = errors.New("chat not found")
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	title      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id    TEXT NOT NULL REFERENCES chats(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS uploads (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id    TEXT NOT NULL REFERENCES chats(id),
	file_path  TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id);
CREATE INDEX IF NOT EXISTS idx_uploads_chat ON uploads(chat_id, id);
`

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chatstore: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatstore: pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatstore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// CreateUser registers a new user and returns its ID.
func (s *Store) CreateUser(ctx context.Context, username, password string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		id, username, hashPassword(password), time.Now().UTC())
	if err != nil {
		var exists int
		if scanErr := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&exists); scanErr == nil && exists > 0 {
			return "", ErrUserExists
		}
		return "", fmt.Errorf("chatstore: create user: %w", err)
	}
	return id, nil
}

// Authenticate checks credentials and returns the user ID.
func (s *Store) Authenticate(ctx context.Context, username, password string) (string, error) {
	var id, hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE username = ?`, username).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrBadLogin
	}
	if err != nil {
		return "", fmt.Errorf("chatstore: authenticate: %w", err)
	}
	if hash != hashPassword(password) {
		return "", ErrBadLogin
	}
	return id, nil
}

// Chat is one conversation owned by a user.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateChat starts a new conversation.
func (s *Store) CreateChat(ctx context.Context, userID, title string) (Chat, error) {
	c := Chat{ID: uuid.NewString(), UserID: userID, Title: title, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, c.CreatedAt)
	if err != nil {
		return Chat{}, fmt.Errorf("chatstore: create chat: %w", err)
	}
	return c, nil
}

// ListChats returns the user's chats, newest first.
func (s *Store) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at FROM chats WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("chatstore: scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// DeleteChat removes a chat with its messages and upload records.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chatstore: delete chat: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("chatstore: delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM uploads WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("chatstore: delete uploads: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("chatstore: delete chat row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return tx.Commit()
}

// AppendMessage adds one turn to a chat's history.
func (s *Store) AppendMessage(ctx context.Context, chatID string, role domain.Role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		chatID, string(role), content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("chatstore: append message: %w", err)
	}
	return nil
}

// History returns a chat's turns in insertion order.
func (s *Store) History(ctx context.Context, chatID string) ([]domain.ChatTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE chat_id = ? ORDER BY id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: history: %w", err)
	}
	defer rows.Close()

	var turns []domain.ChatTurn
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("chatstore: scan message: %w", err)
		}
		turns = append(turns, domain.ChatTurn{Role: domain.Role(role), Content: content})
	}
	return turns, rows.Err()
}

// AddUpload records an uploaded file for a chat.
func (s *Store) AddUpload(ctx context.Context, chatID, filePath string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (chat_id, file_path, created_at) VALUES (?, ?, ?)`,
		chatID, filePath, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("chatstore: add upload: %w", err)
	}
	return nil
}

// UploadsForChat returns the chat's uploaded file paths in upload order.
// This is the call the retrieval core consumes to build user indices.
func (s *Store) UploadsForChat(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path FROM uploads WHERE chat_id = ? ORDER BY id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("chatstore: uploads for chat: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("chatstore: scan upload: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
