package pending

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"answerdesk/internal/corpus"
	"answerdesk/internal/db"
	"answerdesk/internal/llm"

	_ "github.com/mattn/go-sqlite3"
)

type fakeLLM struct {
	keywords []string
	kwErr    error
	kwCalls  int
}

func (f *fakeLLM) Generate(ctx context.Context, systemPrompt string, contextChunks []string, history []llm.Message, question string) (string, error) {
	return "generated", nil
}

func (f *fakeLLM) GenerateKeywords(ctx context.Context, question, answer string) ([]string, error) {
	f.kwCalls++
	return f.keywords, f.kwErr
}

func (f *fakeLLM) DraftRecords(ctx context.Context, documentText string) ([]corpus.Record, error) {
	return nil, nil
}

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.calls++
	return f.err
}

func newTestManager(t *testing.T) (*Manager, *fakeLLM, *fakeRefresher, *corpus.Store) {
	t.Helper()
	dir := t.TempDir()

	conn, err := db.InitDB(filepath.Join(dir, "answerdesk.db"))
	if err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	cs := corpus.NewStore(filepath.Join(dir, "corpus.json"))
	if err := cs.EnsureFile(); err != nil {
		t.Fatalf("ensure corpus file: %v", err)
	}

	fl := &fakeLLM{keywords: []string{"setup", "billing"}}
	fr := &fakeRefresher{}
	return NewManager(conn, cs, fl, fr), fl, fr, cs
}

func TestCreate(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	q, err := m.Create("  How do I export my data?  ", "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if q.Question != "How do I export my data?" {
		t.Errorf("question = %q, want trimmed", q.Question)
	}
	if q.Status != StatusPending {
		t.Errorf("status = %q, want %q", q.Status, StatusPending)
	}
	if q.ID == "" {
		t.Error("expected non-empty ID")
	}

	got, err := m.Get(q.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Question != q.Question || got.Status != StatusPending {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.AnsweredAt != nil {
		t.Error("unanswered question should have nil AnsweredAt")
	}
}

func TestCreate_EmptyQuestion(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	if _, err := m.Create("   ", "user-1"); err == nil {
		t.Fatal("expected error for empty question")
	}
}

func TestCreate_TooLong(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	if _, err := m.Create(strings.Repeat("q", maxQuestionLen+1), "user-1"); err == nil {
		t.Fatal("expected error for oversized question")
	}
}

func TestList_FilterByStatus(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	q1, err := m.Create("first question", "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create("second question", "user-2"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Answer(context.Background(), q1.ID, "the answer", []string{"kw"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	pending, err := m.List(StatusPending)
	if err != nil {
		t.Fatalf("List(pending): %v", err)
	}
	if len(pending) != 1 || pending[0].Question != "second question" {
		t.Errorf("unexpected pending list: %+v", pending)
	}

	answered, err := m.List(StatusAnswered)
	if err != nil {
		t.Fatalf("List(answered): %v", err)
	}
	if len(answered) != 1 || answered[0].ID != q1.ID {
		t.Errorf("unexpected answered list: %+v", answered)
	}

	all, err := m.List("")
	if err != nil {
		t.Fatalf("List(all): %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 questions, got %d", len(all))
	}
}

func TestList_InvalidStatus(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	if _, err := m.List("bogus"); err == nil {
		t.Fatal("expected error for invalid status filter")
	}
}

func TestAnswer_PromotesToCorpus(t *testing.T) {
	m, fl, fr, cs := newTestManager(t)

	q, err := m.Create("What payment methods are accepted?", "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Answer(context.Background(), q.ID, "Cards and bank transfer.", []string{"payments"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	records, err := cs.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 corpus record, got %d", len(records))
	}
	r := records[0]
	if r.Question != "What payment methods are accepted?" || r.Answer != "Cards and bank transfer." {
		t.Errorf("unexpected corpus record: %+v", r)
	}
	if len(r.Keywords) != 1 || r.Keywords[0] != "payments" {
		t.Errorf("keywords = %v, want the given keywords", r.Keywords)
	}

	if fl.kwCalls != 0 {
		t.Errorf("keyword suggestion called %d times, want 0 when keywords are given", fl.kwCalls)
	}
	if fr.calls != 1 {
		t.Errorf("index refresh called %d times, want 1", fr.calls)
	}

	got, err := m.Get(q.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusAnswered {
		t.Errorf("status = %q, want %q", got.Status, StatusAnswered)
	}
	if got.Answer != "Cards and bank transfer." {
		t.Errorf("answer = %q", got.Answer)
	}
	if got.AnsweredAt == nil {
		t.Error("expected AnsweredAt to be set")
	}
}

func TestAnswer_SuggestsKeywordsWhenMissing(t *testing.T) {
	m, fl, _, cs := newTestManager(t)

	q, err := m.Create("How do I change my plan?", "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Answer(context.Background(), q.ID, "Open the billing page.", nil); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if fl.kwCalls != 1 {
		t.Errorf("keyword suggestion called %d times, want 1", fl.kwCalls)
	}
	records, err := cs.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 corpus record, got %d", len(records))
	}
	if len(records[0].Keywords) != 2 || records[0].Keywords[0] != "setup" {
		t.Errorf("keywords = %v, want the suggested keywords", records[0].Keywords)
	}
}

func TestAnswer_KeywordFailureProceeds(t *testing.T) {
	m, fl, _, cs := newTestManager(t)
	fl.kwErr = fmt.Errorf("llm unavailable")

	q, err := m.Create("Is there an API?", "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Answer(context.Background(), q.ID, "Yes, a REST API.", nil); err != nil {
		t.Fatalf("Answer should succeed despite keyword failure: %v", err)
	}

	records, err := cs.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 corpus record, got %d", len(records))
	}
	if len(records[0].Keywords) != 0 {
		t.Errorf("keywords = %v, want none after suggestion failure", records[0].Keywords)
	}
}

func TestAnswer_RefreshFailureStillAnswers(t *testing.T) {
	m, _, fr, _ := newTestManager(t)
	fr.err = fmt.Errorf("reconcile failed")

	q, err := m.Create("Can I self-host?", "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Answer(context.Background(), q.ID, "Yes.", []string{"hosting"}); err != nil {
		t.Fatalf("Answer should succeed despite refresh failure: %v", err)
	}
	got, err := m.Get(q.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusAnswered {
		t.Errorf("status = %q, want %q", got.Status, StatusAnswered)
	}
}

func TestAnswer_AlreadyAnswered(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	q, err := m.Create("Do you offer discounts?", "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Answer(context.Background(), q.ID, "Yes, annually.", []string{"kw"}); err != nil {
		t.Fatalf("first Answer: %v", err)
	}
	if err := m.Answer(context.Background(), q.ID, "A different answer.", nil); err == nil {
		t.Fatal("expected error answering an already-answered question")
	}
}

func TestAnswer_NotFound(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	if err := m.Answer(context.Background(), "missing-id", "answer", nil); err == nil {
		t.Fatal("expected error for unknown question")
	}
}

func TestAnswer_EmptyAnswer(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	q, err := m.Create("A question", "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Answer(context.Background(), q.ID, "   ", nil); err == nil {
		t.Fatal("expected error for empty answer")
	}
}

func TestDelete(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	q, err := m.Create("Temporary question", "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete(q.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(q.ID); err == nil {
		t.Fatal("expected question to be gone")
	}
}

func TestDelete_NotFound(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	if err := m.Delete("missing-id"); err == nil {
		t.Fatal("expected error for unknown question")
	}
}

func TestDelete_AnsweredKeepsCorpusRecord(t *testing.T) {
	m, _, _, cs := newTestManager(t)

	q, err := m.Create("Will this persist?", "user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Answer(context.Background(), q.ID, "The record stays.", []string{"kw"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := m.Delete(q.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	records, err := cs.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected promoted corpus record to survive deletion, got %d records", len(records))
	}
}
