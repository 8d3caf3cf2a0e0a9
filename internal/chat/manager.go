// Package chat persists assistant conversations: sessions and their message
// transcripts, stored in SQLite.
package chat

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"
)

// Message roles stored in transcripts.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	defaultHistoryPairs = 6
	defaultSessionTTL   = 24 * time.Hour
	// titleMaxRunes caps the auto-derived session title length.
	titleMaxRunes = 60
)

// Session is one conversation owned by a user.
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Message is a single turn in a session transcript.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Manager stores chat sessions and transcripts in the database.
type Manager struct {
	db           *sql.DB
	historyPairs int
	ttl          time.Duration
}

// NewManager creates a chat manager. historyPairs bounds how many recent
// user/assistant pairs RecentHistory returns; ttl bounds session idle
// lifetime for CleanExpired. Zero values select the defaults.
func NewManager(db *sql.DB, historyPairs int, ttl time.Duration) *Manager {
	if historyPairs <= 0 {
		historyPairs = defaultHistoryPairs
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Manager{db: db, historyPairs: historyPairs, ttl: ttl}
}

// CreateSession starts a new empty session for the given user.
func (m *Manager) CreateSession(userID string) (*Session, error) {
	id, err := newChatID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = m.db.Exec(
		`INSERT INTO chat_sessions (id, user_id, title, created_at, updated_at) VALUES (?, ?, '', ?, ?)`,
		id, userID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert chat session: %w", err)
	}
	return &Session{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
}

// GetSession fetches a session by ID, for ownership checks and display.
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	var s Session
	err := m.db.QueryRow(
		`SELECT id, user_id, title, created_at, updated_at FROM chat_sessions WHERE id = ?`,
		sessionID,
	).Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chat session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("query chat session: %w", err)
	}
	return &s, nil
}

// AppendMessage adds a message to a session's transcript and bumps the
// session's updated_at. The first user message becomes the session title.
func (m *Manager) AppendMessage(sessionID, role, content string) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("invalid message role %q", role)
	}

	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO chat_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, role, content, now,
	)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}

	title := s.Title
	if title == "" && role == RoleUser {
		title = deriveTitle(content)
	}
	_, err = tx.Exec(
		`UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update chat session: %w", err)
	}

	return tx.Commit()
}

// Transcript returns all messages in a session in chronological order.
func (m *Manager) Transcript(sessionID string) ([]Message, error) {
	rows, err := m.db.Query(
		`SELECT role, content, created_at FROM chat_messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// RecentHistory returns the last historyPairs user/assistant pairs of a
// session in chronological order, for replay into the LLM prompt.
func (m *Manager) RecentHistory(sessionID string) ([]Message, error) {
	rows, err := m.db.Query(
		`SELECT role, content, created_at FROM chat_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, m.historyPairs*2,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows came newest-first; restore chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListSessions returns a user's sessions, most recently active first.
func (m *Manager) ListSessions(userID string) ([]Session, error) {
	rows, err := m.db.Query(
		`SELECT id, user_id, title, created_at, updated_at FROM chat_sessions WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its transcript.
func (m *Manager) DeleteSession(sessionID string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chat_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chat_sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete chat session: %w", err)
	}
	return tx.Commit()
}

// CleanExpired removes sessions (and their messages) idle longer than the
// TTL. Returns the number of sessions removed.
func (m *Manager) CleanExpired() (int64, error) {
	cutoff := time.Now().UTC().Add(-m.ttl).Format(time.RFC3339)

	tx, err := m.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM chat_messages WHERE session_id IN (SELECT id FROM chat_sessions WHERE updated_at < ?)`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}

	result, err := tx.Exec(`DELETE FROM chat_sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// deriveTitle produces a session title from the first user message.
func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleMaxRunes {
		return content
	}
	return string(runes[:titleMaxRunes]) + "…"
}

// newChatID creates a random chat session ID.
func newChatID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate chat id: %w", err)
	}
	return fmt.Sprintf("chat_%x", b), nil
}
