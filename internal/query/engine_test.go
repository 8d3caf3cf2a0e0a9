package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"answerdesk/internal/corpus"
	"answerdesk/internal/index"
	"answerdesk/internal/llm"
	"answerdesk/internal/pending"
)

type fakeSearcher struct {
	hits     []index.Hit
	err      error
	gotQuery string
	gotK     int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, k int) ([]index.Hit, error) {
	f.gotQuery = query
	f.gotK = k
	return f.hits, f.err
}

type fakeGenerator struct {
	answer     string
	err        error
	calls      int
	gotRefs    []string
	gotHistory []llm.Message
}

func (f *fakeGenerator) Generate(ctx context.Context, systemPrompt string, contextChunks []string, history []llm.Message, question string) (string, error) {
	f.calls++
	f.gotRefs = contextChunks
	f.gotHistory = history
	if f.err != nil {
		return llm.Fallback, f.err
	}
	return f.answer, nil
}

func (f *fakeGenerator) GenerateKeywords(ctx context.Context, question, answer string) ([]string, error) {
	return nil, nil
}

func (f *fakeGenerator) DraftRecords(ctx context.Context, documentText string) ([]corpus.Record, error) {
	return nil, nil
}

type fakeCapturer struct {
	open      []pending.Question
	created   []string
	createErr error
}

func (f *fakeCapturer) Create(question, userID string) (*pending.Question, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, question)
	return &pending.Question{ID: "p1", Question: question, UserID: userID}, nil
}

func (f *fakeCapturer) List(status string) ([]pending.Question, error) {
	return f.open, nil
}

func hit(rank int, question, answer string, sim float64) index.Hit {
	return index.Hit{
		PayloadIndex: rank - 1,
		Question:     question,
		Answer:       answer,
		Similarity:   sim,
		Rank:         rank,
	}
}

func TestAnswer_UsesReferencesAndHistory(t *testing.T) {
	search := &fakeSearcher{hits: []index.Hit{
		hit(1, "How do I export data?", "Use the export button on the dashboard.", 0.91),
		hit(2, "Where are exports stored?", "Exports land in your downloads folder.", 0.72),
	}}
	gen := &fakeGenerator{answer: "Click the export button; the file appears in downloads."}
	capt := &fakeCapturer{}
	e := NewEngine(search, gen, capt, 5, 0.30)

	history := []llm.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	resp, err := e.Answer(context.Background(), "how do I export?", "user-1", history)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}

	if resp.Answer != gen.answer {
		t.Errorf("answer = %q", resp.Answer)
	}
	if resp.IsPending {
		t.Error("expected IsPending false")
	}
	if search.gotQuery != "how do I export?" || search.gotK != 5 {
		t.Errorf("search got (%q, %d)", search.gotQuery, search.gotK)
	}
	if len(gen.gotRefs) != 2 {
		t.Fatalf("refs = %d, want 2", len(gen.gotRefs))
	}
	if !strings.HasPrefix(gen.gotRefs[0], "1. Q: How do I export data?") {
		t.Errorf("ref[0] = %q, want numbered", gen.gotRefs[0])
	}
	if !strings.HasPrefix(gen.gotRefs[1], "2. Q: ") {
		t.Errorf("ref[1] = %q, want numbered", gen.gotRefs[1])
	}
	if len(gen.gotHistory) != 2 || gen.gotHistory[0].Content != "hi" {
		t.Errorf("history not replayed: %+v", gen.gotHistory)
	}

	if len(resp.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(resp.Sources))
	}
	s := resp.Sources[0]
	if s.Question != "How do I export data?" || s.Rank != 1 || s.Similarity != 0.91 {
		t.Errorf("source[0] = %+v", s)
	}
	if s.Snippet != "Use the export button on the dashboard." {
		t.Errorf("snippet = %q", s.Snippet)
	}
	if len(capt.created) != 0 {
		t.Errorf("unexpected pending capture: %v", capt.created)
	}
}

func TestAnswer_GateFiltersLowSimilarity(t *testing.T) {
	search := &fakeSearcher{hits: []index.Hit{
		hit(1, "Relevant", "Relevant answer.", 0.85),
		hit(2, "Barely related", "Noise.", 0.12),
	}}
	gen := &fakeGenerator{answer: "ok"}
	e := NewEngine(search, gen, &fakeCapturer{}, 10, 0.30)

	resp, err := e.Answer(context.Background(), "question", "u", nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(gen.gotRefs) != 1 {
		t.Errorf("refs = %d, want 1 after gating", len(gen.gotRefs))
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Question != "Relevant" {
		t.Errorf("sources = %+v", resp.Sources)
	}
}

func TestAnswer_NoHitsCreatesPending(t *testing.T) {
	search := &fakeSearcher{}
	gen := &fakeGenerator{answer: "unused"}
	capt := &fakeCapturer{}
	e := NewEngine(search, gen, capt, 10, 0.30)

	resp, err := e.Answer(context.Background(), "something obscure", "user-9", nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !resp.IsPending {
		t.Error("expected IsPending true")
	}
	if resp.Answer != noAnswerMessage {
		t.Errorf("answer = %q", resp.Answer)
	}
	if gen.calls != 0 {
		t.Errorf("LLM called %d times, want 0", gen.calls)
	}
	if len(capt.created) != 1 || capt.created[0] != "something obscure" {
		t.Errorf("captured = %v", capt.created)
	}
}

func TestAnswer_AllBelowThresholdCreatesPending(t *testing.T) {
	search := &fakeSearcher{hits: []index.Hit{hit(1, "q", "a", 0.10)}}
	gen := &fakeGenerator{answer: "unused"}
	capt := &fakeCapturer{}
	e := NewEngine(search, gen, capt, 10, 0.30)

	resp, err := e.Answer(context.Background(), "off topic question", "u", nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !resp.IsPending || gen.calls != 0 || len(capt.created) != 1 {
		t.Errorf("pending=%v llm_calls=%d captured=%v", resp.IsPending, gen.calls, capt.created)
	}
}

func TestAnswer_DuplicatePendingNotRecreated(t *testing.T) {
	search := &fakeSearcher{}
	capt := &fakeCapturer{open: []pending.Question{
		{ID: "p0", Question: "how do I reset my password", Status: pending.StatusPending},
	}}
	e := NewEngine(search, &fakeGenerator{}, capt, 10, 0.30)

	resp, err := e.Answer(context.Background(), "How do I reset my password?", "u", nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !resp.IsPending {
		t.Error("expected IsPending true for duplicate")
	}
	if len(capt.created) != 0 {
		t.Errorf("duplicate should not be recreated, got %v", capt.created)
	}
}

func TestAnswer_FallbackCapturesPending(t *testing.T) {
	search := &fakeSearcher{hits: []index.Hit{hit(1, "q", "a", 0.80)}}
	gen := &fakeGenerator{err: errors.New("upstream down")}
	capt := &fakeCapturer{}
	e := NewEngine(search, gen, capt, 10, 0.30)

	resp, err := e.Answer(context.Background(), "a question", "u", nil)
	if err != nil {
		t.Fatalf("degraded generation should not error: %v", err)
	}
	if resp.Answer != llm.Fallback {
		t.Errorf("answer = %q, want fallback", resp.Answer)
	}
	if !resp.IsPending || len(capt.created) != 1 {
		t.Errorf("pending=%v captured=%v", resp.IsPending, capt.created)
	}
}

func TestAnswer_UnableToAnswerCapturesPending(t *testing.T) {
	search := &fakeSearcher{hits: []index.Hit{hit(1, "q", "a", 0.80)}}
	gen := &fakeGenerator{answer: "The references do not contain information about that topic."}
	capt := &fakeCapturer{}
	e := NewEngine(search, gen, capt, 10, 0.30)

	resp, err := e.Answer(context.Background(), "a question", "u", nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Answer != gen.answer {
		t.Errorf("answer should pass through, got %q", resp.Answer)
	}
	if !resp.IsPending || len(capt.created) != 1 {
		t.Errorf("pending=%v captured=%v", resp.IsPending, capt.created)
	}
}

func TestAnswer_CaptureErrorAfterAnswerIsNotFatal(t *testing.T) {
	search := &fakeSearcher{hits: []index.Hit{hit(1, "q", "a", 0.80)}}
	gen := &fakeGenerator{err: errors.New("upstream down")}
	capt := &fakeCapturer{createErr: fmt.Errorf("db locked")}
	e := NewEngine(search, gen, capt, 10, 0.30)

	resp, err := e.Answer(context.Background(), "a question", "u", nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.IsPending {
		t.Error("capture failed, IsPending should be false")
	}
}

func TestAnswer_CaptureErrorWithNoResultsFails(t *testing.T) {
	search := &fakeSearcher{}
	capt := &fakeCapturer{createErr: fmt.Errorf("db locked")}
	e := NewEngine(search, &fakeGenerator{}, capt, 10, 0.30)

	if _, err := e.Answer(context.Background(), "a question", "u", nil); err == nil {
		t.Fatal("expected error when the pending question cannot be recorded")
	}
}

func TestAnswer_NilCapturer(t *testing.T) {
	e := NewEngine(&fakeSearcher{}, &fakeGenerator{}, nil, 10, 0.30)

	resp, err := e.Answer(context.Background(), "a question", "u", nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.IsPending {
		t.Error("no capturer wired, IsPending should be false")
	}
	if resp.Answer != noAnswerMessage {
		t.Errorf("answer = %q", resp.Answer)
	}
}

func TestAnswer_EmptyQuestion(t *testing.T) {
	e := NewEngine(&fakeSearcher{}, &fakeGenerator{}, nil, 10, 0.30)

	if _, err := e.Answer(context.Background(), "   ", "u", nil); err == nil {
		t.Fatal("expected error for empty question")
	}
}

func TestAnswer_SearchError(t *testing.T) {
	search := &fakeSearcher{err: errors.New("cache corrupt")}
	e := NewEngine(search, &fakeGenerator{}, nil, 10, 0.30)

	if _, err := e.Answer(context.Background(), "a question", "u", nil); err == nil {
		t.Fatal("expected search error to propagate")
	}
}

func TestAnswer_SnippetTruncated(t *testing.T) {
	long := strings.Repeat("ab", 150)
	search := &fakeSearcher{hits: []index.Hit{hit(1, "q", long, 0.80)}}
	gen := &fakeGenerator{answer: "ok"}
	e := NewEngine(search, gen, nil, 10, 0.30)

	resp, err := e.Answer(context.Background(), "a question", "u", nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got := len([]rune(resp.Sources[0].Snippet)); got != snippetRunes {
		t.Errorf("snippet length = %d runes, want %d", got, snippetRunes)
	}
}

func TestUpdateServices(t *testing.T) {
	search := &fakeSearcher{hits: []index.Hit{hit(1, "q", "a", 0.80)}}
	first := &fakeGenerator{answer: "first"}
	e := NewEngine(search, first, nil, 10, 0.30)

	second := &fakeGenerator{answer: "second"}
	e.UpdateServices(second, 3, 0.50)

	resp, err := e.Answer(context.Background(), "a question", "u", nil)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if resp.Answer != "second" {
		t.Errorf("answer = %q, want the swapped client's", resp.Answer)
	}
	if first.calls != 0 {
		t.Errorf("old client called %d times", first.calls)
	}
	if search.gotK != 3 {
		t.Errorf("topK = %d, want 3 after update", search.gotK)
	}
}

func TestNewEngine_Defaults(t *testing.T) {
	search := &fakeSearcher{}
	e := NewEngine(search, &fakeGenerator{}, nil, 0, 0)

	if e.topK != defaultTopK {
		t.Errorf("topK = %d, want %d", e.topK, defaultTopK)
	}
	if e.minSim != defaultMinSimilarity {
		t.Errorf("minSim = %v, want %v", e.minSim, defaultMinSimilarity)
	}
}

func TestTextSimilarity(t *testing.T) {
	if got := textSimilarity("same text", "same text"); got != 1.0 {
		t.Errorf("identical texts = %v, want 1.0", got)
	}
	near := textSimilarity("how do I reset my password", "How do I reset my password?")
	if near < duplicateSimilarity {
		t.Errorf("near-duplicates = %v, want >= %v", near, duplicateSimilarity)
	}
	far := textSimilarity("how do I reset my password", "what payment methods exist")
	if far >= duplicateSimilarity {
		t.Errorf("unrelated texts = %v, want < %v", far, duplicateSimilarity)
	}
	if got := textSimilarity("", "x"); got != 0 {
		t.Errorf("empty input = %v, want 0", got)
	}
}

func TestIsUnableToAnswer(t *testing.T) {
	cases := []struct {
		answer string
		want   bool
	}{
		{"The references do not contain information about pricing.", true},
		{"I am unable to find that in the provided material.", true},
		{"There is no relevant information in the references.", true},
		{"That topic is not mentioned in the documentation.", true},
		{"Use the export button on the dashboard.", false},
		{"Yes, the service supports SSO via both providers.", false},
	}
	for _, tc := range cases {
		if got := isUnableToAnswer(tc.answer); got != tc.want {
			t.Errorf("isUnableToAnswer(%q) = %v, want %v", tc.answer, got, tc.want)
		}
	}
}
