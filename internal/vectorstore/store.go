// Package vectorstore keeps embedded corpus chunks in memory and serves
// exact cosine-similarity search over them. The full state round-trips
// through a single JSON cache artifact (cache.go); dot products run through
// the per-architecture kernels selected in simd_*.go.
package vectorstore

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Chunk is one embedded slice of a corpus record. Records shorter than the
// chunker's target size produce exactly one Chunk; longer records produce
// several, all carrying the same PayloadIndex.
type Chunk struct {
	PayloadIndex int // zero-based position of the source record in the corpus
	ChunkIndex   int // position of this chunk within the record's text
	Text         string
	Vector       []float32
}

// SearchResult is a stored chunk scored against a query vector.
type SearchResult struct {
	PayloadIndex int
	ChunkIndex   int
	Text         string
	Score        float64
}

// entry pairs a chunk with its precomputed L2 norm so the cosine pass only
// has to compute the dot product.
type entry struct {
	chunk Chunk
	norm  float64
}

// Store holds every chunk in memory behind a single RWMutex: searches take
// the read lock for the duration of the cosine pass, the reconciler takes
// the write lock around insert/delete. Query embedding always happens before
// any lock is taken, so the store never blocks on network I/O.
type Store struct {
	mu         sync.RWMutex
	dimensions int
	entries    []entry
}

// NewStore creates an empty store with no declared dimensionality.
func NewStore() *Store {
	return &Store{}
}

// Capability reports the dot-product kernel selected for this CPU. Logged
// once at startup and surfaced by the system status endpoint.
func Capability() string {
	return capability()
}

// Init declares the embedding dimensionality. Chunks loaded from a cache
// before Init are preserved; if their dimensionality disagrees with the
// declared one the call fails with a *DimensionError and the caller decides
// whether to drop the cache.
func (s *Store) Init(dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("vector store dimensions must be positive, got %d", dimensions)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) > 0 && s.dimensions != dimensions {
		return &DimensionError{Want: dimensions, Got: s.dimensions}
	}
	s.dimensions = dimensions
	return nil
}

// Dimensions returns the declared dimensionality, 0 before Init or a load.
func (s *Store) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimensions
}

// Reset drops every chunk but keeps the declared dimensionality. Used when
// a corrupt or dimension-incompatible cache forces a full rebuild.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// LoadFromFile replaces the in-memory state with the cache artifact at path.
// A missing file returns (false, nil): nothing cached yet, not an error.
// Any other failure returns a *CorruptError.
func (s *Store) LoadFromFile(path string) (bool, error) {
	art, found, err := readCacheArtifact(path)
	if err != nil || !found {
		return found, err
	}
	entries := make([]entry, 0, len(art.Vectors))
	for _, v := range art.Vectors {
		entries = append(entries, entry{
			chunk: Chunk{
				PayloadIndex: v.PayloadIndex,
				ChunkIndex:   v.ChunkIndex,
				Text:         v.Text,
				Vector:       v.Vector,
			},
			norm: vectorNorm(v.Vector),
		})
	}
	s.mu.Lock()
	s.dimensions = art.Dimensions
	s.entries = entries
	s.mu.Unlock()
	return true, nil
}

// SaveToFile serializes the full in-memory state to the cache artifact at
// path, atomically.
func (s *Store) SaveToFile(path string) error {
	s.mu.RLock()
	art := cacheArtifact{
		Dimensions: s.dimensions,
		Vectors:    make([]cacheVector, 0, len(s.entries)),
		SavedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	for _, e := range s.entries {
		art.Vectors = append(art.Vectors, cacheVector{
			PayloadIndex: e.chunk.PayloadIndex,
			ChunkIndex:   e.chunk.ChunkIndex,
			Text:         e.chunk.Text,
			Vector:       e.chunk.Vector,
		})
	}
	s.mu.RUnlock()
	return writeCacheArtifact(path, &art)
}

// Insert appends chunks and returns the count inserted. The whole batch is
// validated first so a bad chunk inserts nothing.
func (s *Store) Insert(chunks []Chunk) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimensions == 0 {
		return 0, fmt.Errorf("vector store not initialized")
	}
	for _, c := range chunks {
		if len(c.Vector) != s.dimensions {
			return 0, &DimensionError{Want: s.dimensions, Got: len(c.Vector)}
		}
	}
	for _, c := range chunks {
		s.entries = append(s.entries, entry{chunk: c, norm: vectorNorm(c.Vector)})
	}
	return len(chunks), nil
}

// DeleteByPayloadIndex removes every chunk whose payload index is i and
// returns the count removed.
func (s *Store) DeleteByPayloadIndex(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.chunk.PayloadIndex == i {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

// Search scores every chunk against the query vector and returns the k
// highest, in descending score order. Equal scores keep insertion order
// (earlier chunk wins). A zero-norm query or chunk scores 0. A query of the
// wrong dimensionality matches nothing.
func (s *Store) Search(query []float32, k int) []SearchResult {
	if k <= 0 {
		return nil
	}
	qnorm := vectorNorm(query)

	s.mu.RLock()
	if len(query) != s.dimensions || len(s.entries) == 0 {
		s.mu.RUnlock()
		return nil
	}
	results := make([]SearchResult, 0, len(s.entries))
	for _, e := range s.entries {
		var score float64
		if qnorm != 0 && e.norm != 0 {
			score = float64(dotProduct(query, e.chunk.Vector)) / (qnorm * e.norm)
		}
		results = append(results, SearchResult{
			PayloadIndex: e.chunk.PayloadIndex,
			ChunkIndex:   e.chunk.ChunkIndex,
			Text:         e.chunk.Text,
			Score:        score,
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Count returns the number of stored chunks.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CountByPayloadIndex returns the number of chunks carrying payload index i.
func (s *Store) CountByPayloadIndex(i int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.chunk.PayloadIndex == i {
			n++
		}
	}
	return n
}

// vectorNorm accumulates in float64; at 1536 dimensions float32 accumulation
// drifts enough to disturb score ordering between near-identical chunks.
func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// dotProductF32x16 computes a dot product with 16-way loop unrolling.
func dotProductF32x16(a, b []float32) float32 {
	n := len(a)
	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	var s8, s9, s10, s11, s12, s13, s14, s15 float32
	i := 0
	for ; i <= n-16; i += 16 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
		s4 += a[i+4] * b[i+4]
		s5 += a[i+5] * b[i+5]
		s6 += a[i+6] * b[i+6]
		s7 += a[i+7] * b[i+7]
		s8 += a[i+8] * b[i+8]
		s9 += a[i+9] * b[i+9]
		s10 += a[i+10] * b[i+10]
		s11 += a[i+11] * b[i+11]
		s12 += a[i+12] * b[i+12]
		s13 += a[i+13] * b[i+13]
		s14 += a[i+14] * b[i+14]
		s15 += a[i+15] * b[i+15]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1 + s2 + s3) + (s4 + s5 + s6 + s7) +
		(s8 + s9 + s10 + s11) + (s12 + s13 + s14 + s15)
}

// dotProductF32x8 computes a dot product with 8-way loop unrolling.
func dotProductF32x8(a, b []float32) float32 {
	n := len(a)
	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	i := 0
	for ; i <= n-8; i += 8 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
		s4 += a[i+4] * b[i+4]
		s5 += a[i+5] * b[i+5]
		s6 += a[i+6] * b[i+6]
		s7 += a[i+7] * b[i+7]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1 + s2 + s3) + (s4 + s5 + s6 + s7)
}

// dotProductF32x4 computes a dot product with 4-way loop unrolling.
func dotProductF32x4(a, b []float32) float32 {
	n := len(a)
	var s0, s1, s2, s3 float32
	i := 0
	for ; i <= n-4; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}
