// Package pending manages user questions the assistant could not answer.
// Admins answer them later; an answer is promoted into the corpus as a new
// QA record and the index is refreshed.
package pending

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"answerdesk/internal/corpus"
	"answerdesk/internal/llm"
)

// Question statuses.
const (
	StatusPending  = "pending"
	StatusAnswered = "answered"
)

const (
	maxQuestionLen = 10000
	maxAnswerLen   = 100000
)

// Question is a user question awaiting an admin response.
type Question struct {
	ID         string     `json:"id"`
	Question   string     `json:"question"`
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"`
	Answer     string     `json:"answer,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// Refresher triggers an index reconciliation after corpus mutations.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Manager handles the lifecycle of pending questions.
type Manager struct {
	mu     sync.RWMutex
	db     *sql.DB
	corpus *corpus.Store
	llm    llm.Service
	index  Refresher
}

// NewManager creates a Manager with the given dependencies.
func NewManager(db *sql.DB, cs *corpus.Store, ls llm.Service, idx Refresher) *Manager {
	return &Manager{db: db, corpus: cs, llm: ls, index: idx}
}

// UpdateLLM replaces the LLM service (used after config change).
func (m *Manager) UpdateLLM(ls llm.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.llm = ls
}

func (m *Manager) llmRef() llm.Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.llm
}

// generateID creates a random hex string for use as a unique identifier.
func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create inserts a new pending question with status "pending".
func (m *Manager) Create(question, userID string) (*Question, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}
	if len(question) > maxQuestionLen {
		return nil, fmt.Errorf("question too long (max %d characters)", maxQuestionLen)
	}

	id, err := generateID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = m.db.Exec(
		`INSERT INTO pending_questions (id, question, user_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, question, userID, StatusPending, now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert pending question: %w", err)
	}

	return &Question{
		ID:        id,
		Question:  question,
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: now,
	}, nil
}

// Get fetches a pending question by ID.
func (m *Manager) Get(id string) (*Question, error) {
	row := m.db.QueryRow(
		`SELECT id, question, user_id, status, answer, created_at, answered_at FROM pending_questions WHERE id = ?`, id,
	)
	q, err := scanQuestion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pending question not found")
	}
	if err != nil {
		return nil, fmt.Errorf("query pending question: %w", err)
	}
	return q, nil
}

// List returns pending questions, optionally filtered by status, newest first.
func (m *Manager) List(status string) ([]Question, error) {
	if status != "" && status != StatusPending && status != StatusAnswered {
		return nil, fmt.Errorf("invalid status filter: %s", status)
	}

	query := `SELECT id, question, user_id, status, answer, created_at, answered_at FROM pending_questions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending questions: %w", err)
	}
	defer rows.Close()

	questions := []Question{}
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pending question: %w", err)
		}
		questions = append(questions, *q)
	}
	return questions, rows.Err()
}

// Answer resolves a pending question: the QA pair is appended to the corpus
// (with LLM-suggested keywords when none are given), the index is refreshed,
// and the question is marked answered.
func (m *Manager) Answer(ctx context.Context, id, answerText string, keywords []string) error {
	answerText = strings.TrimSpace(answerText)
	if answerText == "" {
		return fmt.Errorf("answer text is required")
	}
	if len(answerText) > maxAnswerLen {
		return fmt.Errorf("answer text too long (max %d characters)", maxAnswerLen)
	}

	var question, status string
	err := m.db.QueryRow(
		`SELECT question, status FROM pending_questions WHERE id = ?`, id,
	).Scan(&question, &status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("pending question not found")
	}
	if err != nil {
		return fmt.Errorf("query pending question: %w", err)
	}
	if status == StatusAnswered {
		return fmt.Errorf("question already answered")
	}

	if len(keywords) == 0 {
		suggested, kwErr := m.llmRef().GenerateKeywords(ctx, question, answerText)
		if kwErr != nil {
			log.Printf("Warning: keyword suggestion failed for pending question %s: %v", id, kwErr)
		} else {
			keywords = suggested
		}
	}

	if _, err := m.corpus.Add(corpus.Record{
		Question: question,
		Answer:   answerText,
		Keywords: keywords,
	}); err != nil {
		return fmt.Errorf("append answer to corpus: %w", err)
	}

	// A refresh failure is not fatal: the record is durable in the corpus and
	// the next reconciliation will pick it up.
	if err := m.index.Refresh(ctx); err != nil {
		log.Printf("Warning: index refresh after answering %s failed: %v", id, err)
	}

	now := time.Now().UTC()
	_, err = m.db.Exec(
		`UPDATE pending_questions SET answer = ?, status = ?, answered_at = ? WHERE id = ?`,
		answerText, StatusAnswered, now.Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("mark question answered: %w", err)
	}
	return nil
}

// Delete removes a pending question. Answered questions leave their promoted
// corpus record in place; the record has its own life.
func (m *Manager) Delete(id string) error {
	result, err := m.db.Exec(`DELETE FROM pending_questions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending question: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("pending question not found")
	}
	return nil
}

// scanQuestion reads one row into a Question, tolerating NULL answer and
// answered_at columns.
func scanQuestion(scan func(...interface{}) error) (*Question, error) {
	var q Question
	var answer sql.NullString
	var createdAt, answeredAt sql.NullString
	if err := scan(&q.ID, &q.Question, &q.UserID, &q.Status, &answer, &createdAt, &answeredAt); err != nil {
		return nil, err
	}
	if answer.Valid {
		q.Answer = answer.String
	}
	if createdAt.Valid {
		if t, err := time.Parse(time.RFC3339, createdAt.String); err == nil {
			q.CreatedAt = t
		}
	}
	if answeredAt.Valid && answeredAt.String != "" {
		if t, err := time.Parse(time.RFC3339, answeredAt.String); err == nil {
			q.AnsweredAt = &t
		}
	}
	return &q, nil
}
