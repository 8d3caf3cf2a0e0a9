package chat

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"answerdesk/internal/db"

	_ "github.com/mattn/go-sqlite3"
)

func newTestManager(t *testing.T, pairs int, ttl time.Duration) (*Manager, *sql.DB) {
	t.Helper()
	conn, err := db.InitDB(filepath.Join(t.TempDir(), "answerdesk.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewManager(conn, pairs, ttl), conn
}

func TestCreateSession(t *testing.T) {
	m, conn := newTestManager(t, 0, 0)

	s, err := m.CreateSession("user-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !strings.HasPrefix(s.ID, "chat_") {
		t.Errorf("session ID = %q, want chat_ prefix", s.ID)
	}
	if s.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", s.UserID)
	}
	if s.Title != "" {
		t.Errorf("new session title = %q, want empty", s.Title)
	}

	var count int
	conn.QueryRow("SELECT COUNT(*) FROM chat_sessions WHERE id = ?", s.ID).Scan(&count)
	if count != 1 {
		t.Errorf("expected session row, got %d", count)
	}
}

func TestAppendMessage_AndTranscript(t *testing.T) {
	m, _ := newTestManager(t, 0, 0)
	s, _ := m.CreateSession("user-1")

	if err := m.AppendMessage(s.ID, RoleUser, "How do I reset my password?"); err != nil {
		t.Fatalf("AppendMessage user: %v", err)
	}
	if err := m.AppendMessage(s.ID, RoleAssistant, "Use the account settings page."); err != nil {
		t.Fatalf("AppendMessage assistant: %v", err)
	}

	msgs, err := m.Transcript(s.ID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Errorf("unexpected roles: %q, %q", msgs[0].Role, msgs[1].Role)
	}
	if msgs[0].Content != "How do I reset my password?" {
		t.Errorf("unexpected first message: %q", msgs[0].Content)
	}
}

func TestAppendMessage_SetsTitleFromFirstUserMessage(t *testing.T) {
	m, _ := newTestManager(t, 0, 0)
	s, _ := m.CreateSession("user-1")

	m.AppendMessage(s.ID, RoleUser, "What are the shipping options?")
	m.AppendMessage(s.ID, RoleAssistant, "Standard and express.")
	m.AppendMessage(s.ID, RoleUser, "And returns?")

	got, err := m.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != "What are the shipping options?" {
		t.Errorf("title = %q, want first user message", got.Title)
	}
}

func TestAppendMessage_LongTitleTruncated(t *testing.T) {
	m, _ := newTestManager(t, 0, 0)
	s, _ := m.CreateSession("user-1")

	long := strings.Repeat("q", 200)
	m.AppendMessage(s.ID, RoleUser, long)

	got, _ := m.GetSession(s.ID)
	if len([]rune(got.Title)) > titleMaxRunes+1 {
		t.Errorf("title length = %d runes, want <= %d", len([]rune(got.Title)), titleMaxRunes+1)
	}
	if !strings.HasSuffix(got.Title, "…") {
		t.Errorf("truncated title should end with ellipsis, got %q", got.Title)
	}
}

func TestAppendMessage_InvalidRole(t *testing.T) {
	m, _ := newTestManager(t, 0, 0)
	s, _ := m.CreateSession("user-1")

	if err := m.AppendMessage(s.ID, "system", "nope"); err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestAppendMessage_UnknownSession(t *testing.T) {
	m, _ := newTestManager(t, 0, 0)

	if err := m.AppendMessage("chat_missing", RoleUser, "hello"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestRecentHistory_LimitsToPairs(t *testing.T) {
	m, _ := newTestManager(t, 2, 0) // keep only 2 pairs
	s, _ := m.CreateSession("user-1")

	for i := 0; i < 5; i++ {
		m.AppendMessage(s.ID, RoleUser, "question "+string(rune('a'+i)))
		m.AppendMessage(s.ID, RoleAssistant, "answer "+string(rune('a'+i)))
	}

	history, err := m.RecentHistory(s.ID)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 messages (2 pairs), got %d", len(history))
	}
	// Chronological order: oldest kept pair first
	if history[0].Content != "question d" {
		t.Errorf("history[0] = %q, want question d", history[0].Content)
	}
	if history[3].Content != "answer e" {
		t.Errorf("history[3] = %q, want answer e", history[3].Content)
	}
}

func TestRecentHistory_ShortTranscript(t *testing.T) {
	m, _ := newTestManager(t, 6, 0)
	s, _ := m.CreateSession("user-1")

	m.AppendMessage(s.ID, RoleUser, "only question")

	history, err := m.RecentHistory(s.ID)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 message, got %d", len(history))
	}
}

func TestListSessions(t *testing.T) {
	m, _ := newTestManager(t, 0, 0)

	s1, _ := m.CreateSession("user-a")
	m.CreateSession("user-b")
	s3, _ := m.CreateSession("user-a")

	sessions, err := m.ListSessions("user-a")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions for user-a, got %d", len(sessions))
	}
	ids := map[string]bool{sessions[0].ID: true, sessions[1].ID: true}
	if !ids[s1.ID] || !ids[s3.ID] {
		t.Errorf("unexpected session IDs: %v", ids)
	}
}

func TestListSessions_Empty(t *testing.T) {
	m, _ := newTestManager(t, 0, 0)

	sessions, err := m.ListSessions("nobody")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
}

func TestDeleteSession(t *testing.T) {
	m, conn := newTestManager(t, 0, 0)
	s, _ := m.CreateSession("user-1")
	m.AppendMessage(s.ID, RoleUser, "hello")

	if err := m.DeleteSession(s.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, err := m.GetSession(s.ID); err == nil {
		t.Error("expected session to be gone")
	}
	var msgCount int
	conn.QueryRow("SELECT COUNT(*) FROM chat_messages WHERE session_id = ?", s.ID).Scan(&msgCount)
	if msgCount != 0 {
		t.Errorf("expected messages removed with session, got %d", msgCount)
	}
}

func TestCleanExpired(t *testing.T) {
	m, conn := newTestManager(t, 0, time.Hour)

	fresh, _ := m.CreateSession("user-1")
	m.AppendMessage(fresh.ID, RoleUser, "recent")

	stale, _ := m.CreateSession("user-1")
	m.AppendMessage(stale.ID, RoleUser, "old")
	oldTime := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	conn.Exec(`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, oldTime, stale.ID)

	n, err := m.CleanExpired()
	if err != nil {
		t.Fatalf("CleanExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 session removed, got %d", n)
	}

	if _, err := m.GetSession(fresh.ID); err != nil {
		t.Errorf("fresh session should survive, got: %v", err)
	}
	if _, err := m.GetSession(stale.ID); err == nil {
		t.Error("stale session should be removed")
	}
	var msgCount int
	conn.QueryRow("SELECT COUNT(*) FROM chat_messages WHERE session_id = ?", stale.ID).Scan(&msgCount)
	if msgCount != 0 {
		t.Errorf("expected stale session messages removed, got %d", msgCount)
	}
}
