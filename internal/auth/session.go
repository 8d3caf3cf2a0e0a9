package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Session lifetime policy. The sliding window renews on every validated
// request; the absolute cap invalidates a session once it is maxSessionAge
// old no matter how active it has been.
const (
	// DefaultSessionExpiry is the sliding window used when the manager is
	// constructed with a zero expiry.
	DefaultSessionExpiry = 24 * time.Hour

	maxSessionAge = 7 * 24 * time.Hour
)

// sessionIDBytes is the entropy per session ID. Hex encoding doubles it, so
// tokens come out 64 characters long.
const sessionIDBytes = 32

// Session is one signed-in user token, backed by a row in the sessions
// table.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionManager creates, validates, and removes sessions.
type SessionManager struct {
	db     *sql.DB
	expiry time.Duration
}

// NewSessionManager wraps the given database with a session store using the
// supplied sliding window. Zero or negative selects DefaultSessionExpiry.
func NewSessionManager(db *sql.DB, expiry time.Duration) *SessionManager {
	sm := &SessionManager{db: db, expiry: expiry}
	if sm.expiry <= 0 {
		sm.expiry = DefaultSessionExpiry
	}
	return sm
}

// CreateSession mints a session for userID and persists it.
func (sm *SessionManager) CreateSession(userID string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.expiry),
	}
	if _, err := sm.db.Exec(
		"INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
		s.ID, s.UserID, s.CreatedAt.Format(time.RFC3339), s.ExpiresAt.Format(time.RFC3339),
	); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// ValidateSession looks up a session and enforces the lifetime policy. A
// session that passes both checks has its sliding window pushed forward.
func (sm *SessionManager) ValidateSession(sessionID string) (*Session, error) {
	s, err := sm.fetch(sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	switch {
	case now.After(s.ExpiresAt):
		return nil, fmt.Errorf("session expired")
	case now.Sub(s.CreatedAt) > maxSessionAge:
		sm.db.Exec("DELETE FROM sessions WHERE id = ?", s.ID)
		return nil, fmt.Errorf("session expired (max age)")
	}

	if renewed := now.Add(sm.expiry); renewed.After(s.ExpiresAt) {
		sm.db.Exec("UPDATE sessions SET expires_at = ? WHERE id = ?",
			renewed.Format(time.RFC3339), s.ID)
		s.ExpiresAt = renewed
	}
	return s, nil
}

// fetch loads one session row and decodes its timestamps.
func (sm *SessionManager) fetch(sessionID string) (*Session, error) {
	var userID, expStr, createdStr string
	err := sm.db.QueryRow(
		"SELECT user_id, expires_at, created_at FROM sessions WHERE id = ?",
		sessionID,
	).Scan(&userID, &expStr, &createdStr)
	switch {
	case err == sql.ErrNoRows:
		return nil, fmt.Errorf("session not found")
	case err != nil:
		return nil, fmt.Errorf("query session: %w", err)
	}

	s := &Session{ID: sessionID, UserID: userID}
	if s.ExpiresAt, err = parseSQLiteTime(expStr); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if s.CreatedAt, err = parseSQLiteTime(createdStr); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return s, nil
}

// CleanExpired deletes sessions past either lifetime bound and reports how
// many rows were removed.
func (sm *SessionManager) CleanExpired() (int64, error) {
	now := time.Now().UTC()
	res, err := sm.db.Exec(
		"DELETE FROM sessions WHERE expires_at <= ? OR created_at <= ?",
		now.Format(time.RFC3339),
		now.Add(-maxSessionAge).Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// DeleteSession removes one session by ID.
func (sm *SessionManager) DeleteSession(sessionID string) error {
	if _, err := sm.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteSessionsByUserID drops every session belonging to userID. Login
// rotates credentials through this.
func (sm *SessionManager) DeleteSessionsByUserID(userID string) error {
	if _, err := sm.db.Exec("DELETE FROM sessions WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("delete sessions by user ID: %w", err)
	}
	return nil
}

// VerifyAdminPassword compares a login attempt against the stored bcrypt
// hash. A nil return means the password matched.
func VerifyAdminPassword(password, passwordHash string) error {
	if passwordHash == "" {
		return fmt.Errorf("admin password not configured")
	}
	if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) != nil {
		return fmt.Errorf("invalid password")
	}
	return nil
}

// HashPassword produces a bcrypt hash of password at the default cost.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func newSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session id entropy: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// sqliteTimeLayouts covers timestamps written by this package (RFC3339) and
// by SQLite's CURRENT_TIMESTAMP default.
var sqliteTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
}

func parseSQLiteTime(s string) (t time.Time, err error) {
	for _, layout := range sqliteTimeLayouts {
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return t, err
}
