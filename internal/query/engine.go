// Package query orchestrates answering: retrieve from the index, gate by
// similarity, prompt the LLM with numbered references, and capture
// questions nobody could answer for manual follow-up.
package query

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"answerdesk/internal/index"
	"answerdesk/internal/llm"
	"answerdesk/internal/pending"
)

const (
	defaultTopK          = 10
	defaultMinSimilarity = 0.30

	// duplicateSimilarity is the bigram-overlap score above which a new
	// unanswerable question counts as a repeat of one already waiting.
	duplicateSimilarity = 0.7

	// snippetRunes caps the answer excerpt carried in a source reference.
	snippetRunes = 100
)

// noAnswerMessage is served when retrieval finds nothing relevant enough.
const noAnswerMessage = "I could not find anything about that in the knowledge base. " +
	"Your question has been recorded and will be answered by a person."

// Searcher is the retrieval half of the engine. index.Service satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]index.Hit, error)
}

// Capturer records questions the engine could not answer. pending.Manager
// satisfies it.
type Capturer interface {
	Create(question, userID string) (*pending.Question, error)
	List(status string) ([]pending.Question, error)
}

// SourceRef points an answer back at a corpus record it drew on.
type SourceRef struct {
	Question   string  `json:"question"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"`
	Snippet    string  `json:"snippet"`
}

// Response is the outcome of one Answer call. IsPending reports that the
// question was handed off for a person to answer.
type Response struct {
	Answer    string      `json:"answer"`
	Sources   []SourceRef `json:"sources"`
	IsPending bool        `json:"is_pending"`
}

// Engine answers questions against the knowledge base.
type Engine struct {
	mu      sync.RWMutex
	index   Searcher
	llm     llm.Service
	pending Capturer
	topK    int
	minSim  float64
}

// NewEngine wires retrieval, generation and pending capture together.
// pen may be nil, in which case unanswerable questions are not recorded.
func NewEngine(idx Searcher, ls llm.Service, pen Capturer, topK int, minSim float64) *Engine {
	if topK <= 0 {
		topK = defaultTopK
	}
	if minSim <= 0 {
		minSim = defaultMinSimilarity
	}
	return &Engine{index: idx, llm: ls, pending: pen, topK: topK, minSim: minSim}
}

// UpdateServices swaps the LLM client and retrieval settings after a
// config change. Calls already in flight keep the snapshot they started
// with.
func (e *Engine) UpdateServices(ls llm.Service, topK int, minSim float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.llm = ls
	if topK > 0 {
		e.topK = topK
	}
	if minSim > 0 {
		e.minSim = minSim
	}
}

func (e *Engine) snapshot() (llm.Service, int, float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.llm, e.topK, e.minSim
}

// Answer runs one question through retrieval and generation. history is
// replayed into the prompt so follow-ups keep their context; it may be
// nil. Degraded generation is not an error: the fallback text flows out
// and the question is captured for manual follow-up.
func (e *Engine) Answer(ctx context.Context, question, userID string, history []llm.Message) (*Response, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}

	ls, topK, minSim := e.snapshot()

	hits, err := e.index.Search(ctx, question, topK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	var kept []index.Hit
	for _, h := range hits {
		if h.Similarity >= minSim {
			kept = append(kept, h)
		}
	}
	log.Printf("[query] hits=%d kept=%d min_similarity=%.2f", len(hits), len(kept), minSim)

	if len(kept) == 0 {
		captured, err := e.capture(question, userID)
		if err != nil {
			return nil, fmt.Errorf("record pending question: %w", err)
		}
		return &Response{Answer: noAnswerMessage, IsPending: captured}, nil
	}

	refs := make([]string, len(kept))
	for i, h := range kept {
		refs[i] = fmt.Sprintf("%d. Q: %s\nA: %s", i+1, h.Question, h.Answer)
	}

	answer, genErr := ls.Generate(ctx, "", refs, history, question)
	if genErr != nil {
		log.Printf("[query] generation degraded, serving fallback: %v", genErr)
	}

	resp := &Response{Answer: answer, Sources: sourceRefs(kept)}
	if answer == llm.Fallback || isUnableToAnswer(answer) {
		captured, err := e.capture(question, userID)
		if err != nil {
			log.Printf("Warning: could not record pending question: %v", err)
		} else {
			resp.IsPending = captured
		}
	}
	return resp, nil
}

// capture records the question for manual follow-up unless a similar one
// is already waiting. It reports whether the question is now pending,
// either freshly recorded or as a recognized duplicate.
func (e *Engine) capture(question, userID string) (bool, error) {
	if e.pending == nil {
		return false, nil
	}
	if open, err := e.pending.List(pending.StatusPending); err == nil {
		for _, q := range open {
			if textSimilarity(question, q.Question) >= duplicateSimilarity {
				return true, nil
			}
		}
	}
	if _, err := e.pending.Create(question, userID); err != nil {
		return false, err
	}
	return true, nil
}

func sourceRefs(hits []index.Hit) []SourceRef {
	sources := make([]SourceRef, len(hits))
	for i, h := range hits {
		sources[i] = SourceRef{
			Question:   h.Question,
			Similarity: h.Similarity,
			Rank:       h.Rank,
			Snippet:    snippet(h.Answer, snippetRunes),
		}
	}
	return sources
}

func snippet(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// isUnableToAnswer detects replies where the model followed the system
// prompt and admitted the references do not cover the question.
func isUnableToAnswer(answer string) bool {
	lower := strings.ToLower(answer)
	patterns := []string{
		"not mentioned",
		"no relevant information",
		"not found in the reference",
		"no information available",
		"do not contain",
		"does not contain",
		"do not have information",
		"don't have information",
		"not covered in the reference",
		"unable to find",
		"cannot answer",
		"can't answer",
		"not available in the provided",
	}
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// textSimilarity scores two strings by Jaccard overlap of their character
// bigrams. It is a cheap local check used to spot near-duplicate pending
// questions without an embedding call.
func textSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	left, right := charBigrams(strings.ToLower(a)), charBigrams(strings.ToLower(b))
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	if len(right) < len(left) {
		left, right = right, left
	}
	shared := 0
	for bg := range left {
		if right[bg] {
			shared++
		}
	}
	return float64(shared) / float64(len(left)+len(right)-shared)
}

// charBigrams collects the set of adjacent rune pairs in s.
func charBigrams(s string) map[string]bool {
	rs := []rune(s)
	set := make(map[string]bool, max(len(rs)-1, 0))
	for i := 1; i < len(rs); i++ {
		set[string(rs[i-1:i+1])] = true
	}
	return set
}
