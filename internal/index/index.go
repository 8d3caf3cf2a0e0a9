// Package index owns the retrieval pipeline: it keeps the vector store, the
// cache artifact and the fingerprint ledger in agreement with the corpus
// (reconcile.go) and serves cosine similarity search over the result.
package index

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"answerdesk/internal/chunker"
	"answerdesk/internal/corpus"
	"answerdesk/internal/embedding"
	"answerdesk/internal/fingerprint"
	"answerdesk/internal/vectorstore"
)

// DefaultMaxK caps how many hits a single search may request.
const DefaultMaxK = 50

// overfetchFactor widens the store query so multi-chunk records cannot
// crowd distinct records out of the top k before deduplication.
const overfetchFactor = 5

// Paths locates the artifacts the reconciler owns.
type Paths struct {
	Cache        string // vector cache artifact (vector_cache.json)
	Ledger       string // per-record digest map (indices_hash.json)
	CorpusDigest string // whole-corpus digest (corpus_hash.json)
}

// Hit is one search result resolved against the corpus.
type Hit struct {
	PayloadIndex int      `json:"payload_index"`
	Question     string   `json:"question"`
	Answer       string   `json:"answer"`
	Category     string   `json:"category,omitempty"`
	Audience     string   `json:"audience,omitempty"`
	Keywords     []string `json:"keywords"`
	Similarity   float64  `json:"similarity"`
	Rank         int      `json:"rank"`
}

// Status is the operational snapshot served by the system status endpoint.
type Status struct {
	Records       int    `json:"records"`
	Chunks        int    `json:"chunks"`
	LedgerEntries int    `json:"ledger_entries"`
	CachePresent  bool   `json:"cache_present"`
	Dimensions    int    `json:"dimensions"`
	Initialized   bool   `json:"initialized"`
	LastReconcile string `json:"last_reconcile,omitempty"`
	Acceleration  string `json:"acceleration"`
}

// Service ties the corpus, the embedder and the vector store together.
// Searches take shared locks only inside the store; reconciliations are
// serialized on reconcileMu so at most one is in flight.
type Service struct {
	corpus  *corpus.Store
	store   *vectorstore.Store
	chunker *chunker.TextChunker
	paths   Paths
	maxK    int

	embMu    sync.RWMutex
	embedder embedding.Service

	initMu      sync.Mutex
	initialized atomic.Bool

	reconcileMu sync.Mutex
	cacheLoaded bool // guarded by reconcileMu

	statusMu      sync.Mutex
	lastReconcile time.Time
}

// NewService assembles the retrieval pipeline. maxK <= 0 selects DefaultMaxK.
func NewService(cs *corpus.Store, vs *vectorstore.Store, emb embedding.Service, ck *chunker.TextChunker, paths Paths, maxK int) *Service {
	if maxK <= 0 {
		maxK = DefaultMaxK
	}
	if ck == nil {
		ck = chunker.NewTextChunker()
	}
	return &Service{
		corpus:   cs,
		store:    vs,
		chunker:  ck,
		paths:    paths,
		maxK:     maxK,
		embedder: emb,
	}
}

// SetEmbedder swaps the embedding client, e.g. after a config update. A swap
// that changes dimensionality requires a Reindex before the store accepts
// new vectors.
func (s *Service) SetEmbedder(emb embedding.Service) {
	s.embMu.Lock()
	s.embedder = emb
	s.embMu.Unlock()
}

func (s *Service) embedderRef() embedding.Service {
	s.embMu.RLock()
	defer s.embMu.RUnlock()
	return s.embedder
}

// Initialize runs the first reconciliation exactly once. Concurrent callers
// coalesce: they serialize on initMu and every caller after the winner
// returns immediately. A failed initialization is retried by the next caller.
func (s *Service) Initialize(ctx context.Context) error {
	if s.initialized.Load() {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized.Load() {
		return nil
	}
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	s.initialized.Store(true)
	return nil
}

// Refresh forces one reconciliation pass. Called after every corpus mutation
// and by the corpus watcher. Overlapping calls serialize; the second pass
// sees the first one's ledger.
func (s *Service) Refresh(ctx context.Context) error {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()
	return s.reconcileLocked(ctx)
}

// Reindex drops every persisted artifact and rebuilds from a clean slate.
func (s *Service) Reindex(ctx context.Context) error {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	for _, p := range []string{s.paths.Cache, s.paths.Ledger} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	if err := fingerprint.RemoveCorpusDigest(s.paths.CorpusDigest); err != nil {
		return err
	}
	s.store.Reset()
	s.cacheLoaded = false
	return s.reconcileLocked(ctx)
}

// Search embeds the query, fetches an overprovisioned candidate list from the
// store, deduplicates by payload index keeping the best score, resolves the
// survivors against the corpus and returns the top k. A query that embeds to
// the zero vector returns an empty list, not an error.
func (s *Service) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	if k < 1 {
		k = 1
	}
	if k > s.maxK {
		k = s.maxK
	}

	// Embed before any store lock is taken.
	vec, err := s.embedderRef().Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if isZeroVector(vec) {
		return []Hit{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw := s.store.Search(vec, k*overfetchFactor)

	// raw is already in descending score order, so the first chunk seen for
	// a payload index carries that record's best score.
	best := make(map[int]vectorstore.SearchResult, len(raw))
	order := make([]int, 0, len(raw))
	for _, r := range raw {
		if _, seen := best[r.PayloadIndex]; !seen {
			best[r.PayloadIndex] = r
			order = append(order, r.PayloadIndex)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records, err := s.corpus.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("resolve search hits: %w", err)
	}

	hits := make([]Hit, 0, k)
	for _, payload := range order {
		if len(hits) == k {
			break
		}
		if payload < 0 || payload >= len(records) {
			continue // stale chunk, reconciliation pending or failed
		}
		r := records[payload]
		hits = append(hits, Hit{
			PayloadIndex: payload,
			Question:     r.Question,
			Answer:       r.Answer,
			Category:     r.Category,
			Audience:     r.Audience,
			Keywords:     r.Keywords,
			Similarity:   best[payload].Score,
			Rank:         len(hits) + 1,
		})
	}
	return hits, nil
}

// Status reports the current index state. It never blocks on a running
// reconciliation.
func (s *Service) Status() Status {
	st := Status{
		Chunks:       s.store.Count(),
		Dimensions:   s.store.Dimensions(),
		Initialized:  s.initialized.Load(),
		Acceleration: vectorstore.Capability(),
	}
	if n, err := s.corpus.Count(); err == nil {
		st.Records = n
	}
	if digests, found, err := fingerprint.LoadDigests(s.paths.Ledger); err == nil && found {
		st.LedgerEntries = len(digests)
	}
	if _, err := os.Stat(s.paths.Cache); err == nil {
		st.CachePresent = true
	}
	s.statusMu.Lock()
	if !s.lastReconcile.IsZero() {
		st.LastReconcile = s.lastReconcile.UTC().Format(time.RFC3339)
	}
	s.statusMu.Unlock()
	return st
}

// SearchableText builds the text a record is embedded under: question,
// keywords, category and audience separated by single spaces, empty fields
// omitted. The answer stays out; retrieval matches how questions are asked.
func SearchableText(r corpus.Record) string {
	parts := make([]string, 0, 3+len(r.Keywords))
	if q := strings.TrimSpace(r.Question); q != "" {
		parts = append(parts, q)
	}
	for _, kw := range r.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			parts = append(parts, kw)
		}
	}
	if c := strings.TrimSpace(r.Category); c != "" {
		parts = append(parts, c)
	}
	if a := strings.TrimSpace(r.Audience); a != "" {
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func (s *Service) markReconciled() {
	s.statusMu.Lock()
	s.lastReconcile = time.Now()
	s.statusMu.Unlock()
}
