package vectorstore

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"pgregory.net/rapid"
)

func vec(xs ...float32) []float32 {
	return xs
}

func mustInsert(t *testing.T, s *Store, chunks ...Chunk) {
	t.Helper()
	n, err := s.Insert(chunks)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if n != len(chunks) {
		t.Fatalf("Insert returned %d, want %d", n, len(chunks))
	}
}

func TestInsertBeforeInit(t *testing.T) {
	s := NewStore()
	if _, err := s.Insert([]Chunk{{PayloadIndex: 0, Vector: vec(1, 0)}}); err == nil {
		t.Fatal("expected error inserting into an uninitialized store")
	}
}

func TestInsertRejectsWrongDimension(t *testing.T) {
	s := NewStore()
	if err := s.Init(3); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	_, err := s.Insert([]Chunk{
		{PayloadIndex: 0, Vector: vec(1, 0, 0)},
		{PayloadIndex: 1, Vector: vec(1, 0)},
	})
	var dimErr *DimensionError
	if !errors.As(err, &dimErr) {
		t.Fatalf("expected *DimensionError, got %v", err)
	}
	if dimErr.Want != 3 || dimErr.Got != 2 {
		t.Errorf("DimensionError = want %d got %d, expected want 3 got 2", dimErr.Want, dimErr.Got)
	}
	// The batch is all-or-nothing: the valid chunk must not have landed.
	if s.Count() != 0 {
		t.Errorf("Count = %d after rejected batch, want 0", s.Count())
	}
}

func TestInitRejectsNonPositiveDimensions(t *testing.T) {
	s := NewStore()
	if err := s.Init(0); err == nil {
		t.Error("Init(0) should fail")
	}
	if err := s.Init(-4); err == nil {
		t.Error("Init(-4) should fail")
	}
}

func TestInitPreservesLoadedChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector_cache.json")

	src := NewStore()
	if err := src.Init(3); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	mustInsert(t, src,
		Chunk{PayloadIndex: 0, ChunkIndex: 0, Text: "alpha", Vector: vec(1, 0, 0)},
		Chunk{PayloadIndex: 1, ChunkIndex: 0, Text: "beta", Vector: vec(0, 1, 0)},
	)
	if err := src.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	// Load-before-init is a supported sequence: Init must not clear what the
	// cache loaded.
	dst := NewStore()
	found, err := dst.LoadFromFile(path)
	if err != nil || !found {
		t.Fatalf("LoadFromFile = (%v, %v), want (true, nil)", found, err)
	}
	if err := dst.Init(3); err != nil {
		t.Fatalf("Init after load failed: %v", err)
	}
	if dst.Count() != 2 {
		t.Errorf("Count = %d after load+init, want 2", dst.Count())
	}
}

func TestInitDimensionDisagreementWithLoadedCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector_cache.json")

	src := NewStore()
	if err := src.Init(3); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	mustInsert(t, src, Chunk{PayloadIndex: 0, Vector: vec(1, 0, 0)})
	if err := src.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	dst := NewStore()
	if _, err := dst.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	err := dst.Init(4)
	var dimErr *DimensionError
	if !errors.As(err, &dimErr) {
		t.Fatalf("expected *DimensionError from Init, got %v", err)
	}
	// After the caller resets the incompatible cache, Init succeeds.
	dst.Reset()
	if err := dst.Init(4); err != nil {
		t.Fatalf("Init after Reset failed: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector_cache.json")

	src := NewStore()
	if err := src.Init(2); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	chunks := []Chunk{
		{PayloadIndex: 0, ChunkIndex: 0, Text: "first", Vector: vec(0.25, -1)},
		{PayloadIndex: 1, ChunkIndex: 0, Text: "second", Vector: vec(0, 0.5)},
		{PayloadIndex: 1, ChunkIndex: 1, Text: "second tail", Vector: vec(0.5, 0.5)},
	}
	mustInsert(t, src, chunks...)
	if err := src.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	dst := NewStore()
	found, err := dst.LoadFromFile(path)
	if err != nil || !found {
		t.Fatalf("LoadFromFile = (%v, %v), want (true, nil)", found, err)
	}
	if dst.Dimensions() != 2 {
		t.Errorf("Dimensions = %d, want 2", dst.Dimensions())
	}
	if dst.Count() != len(chunks) {
		t.Fatalf("Count = %d, want %d", dst.Count(), len(chunks))
	}
	if dst.CountByPayloadIndex(1) != 2 {
		t.Errorf("CountByPayloadIndex(1) = %d, want 2", dst.CountByPayloadIndex(1))
	}
	// The loaded store must search identically to the source.
	q := vec(0.25, -1)
	srcTop := src.Search(q, 1)
	dstTop := dst.Search(q, 1)
	if len(srcTop) != 1 || len(dstTop) != 1 {
		t.Fatalf("Search returned %d/%d results, want 1/1", len(srcTop), len(dstTop))
	}
	if srcTop[0].PayloadIndex != dstTop[0].PayloadIndex || srcTop[0].Text != dstTop[0].Text {
		t.Errorf("round-tripped store ranked differently: %+v vs %+v", srcTop[0], dstTop[0])
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := NewStore()
	found, err := s.LoadFromFile(filepath.Join(t.TempDir(), "nope.json"))
	if found || err != nil {
		t.Errorf("LoadFromFile(missing) = (%v, %v), want (false, nil)", found, err)
	}
}

func TestDeleteByPayloadIndex(t *testing.T) {
	s := NewStore()
	if err := s.Init(2); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	mustInsert(t, s,
		Chunk{PayloadIndex: 0, ChunkIndex: 0, Vector: vec(1, 0)},
		Chunk{PayloadIndex: 1, ChunkIndex: 0, Vector: vec(0, 1)},
		Chunk{PayloadIndex: 1, ChunkIndex: 1, Vector: vec(1, 1)},
		Chunk{PayloadIndex: 2, ChunkIndex: 0, Vector: vec(1, 1)},
	)

	if n := s.DeleteByPayloadIndex(1); n != 2 {
		t.Errorf("DeleteByPayloadIndex(1) = %d, want 2", n)
	}
	if s.Count() != 2 {
		t.Errorf("Count = %d after delete, want 2", s.Count())
	}
	if s.CountByPayloadIndex(1) != 0 {
		t.Error("payload index 1 should have no chunks left")
	}
	if n := s.DeleteByPayloadIndex(1); n != 0 {
		t.Errorf("second DeleteByPayloadIndex(1) = %d, want 0", n)
	}
	// Survivors untouched.
	if s.CountByPayloadIndex(0) != 1 || s.CountByPayloadIndex(2) != 1 {
		t.Error("unrelated payload indices were disturbed by delete")
	}
}

func TestSearchOrdersByScoreDescending(t *testing.T) {
	s := NewStore()
	if err := s.Init(2); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	mustInsert(t, s,
		Chunk{PayloadIndex: 0, Text: "orthogonal", Vector: vec(0, 1)},
		Chunk{PayloadIndex: 1, Text: "exact", Vector: vec(1, 0)},
		Chunk{PayloadIndex: 2, Text: "diagonal", Vector: vec(1, 1)},
	)

	results := s.Search(vec(1, 0), 3)
	if len(results) != 3 {
		t.Fatalf("Search returned %d results, want 3", len(results))
	}
	if results[0].PayloadIndex != 1 {
		t.Errorf("top hit payload = %d, want 1 (exact match)", results[0].PayloadIndex)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not descending at position %d: %v then %v", i, results[i-1].Score, results[i].Score)
		}
	}
	if math.Abs(results[0].Score-1.0) > 1e-6 {
		t.Errorf("exact match score = %v, want ~1.0", results[0].Score)
	}
}

func TestSearchTieBreakInsertionOrder(t *testing.T) {
	s := NewStore()
	if err := s.Init(2); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	// Identical vectors score identically; the earlier insertion must win.
	mustInsert(t, s,
		Chunk{PayloadIndex: 7, Text: "inserted first", Vector: vec(3, 4)},
		Chunk{PayloadIndex: 2, Text: "inserted second", Vector: vec(3, 4)},
	)
	results := s.Search(vec(3, 4), 2)
	if len(results) != 2 {
		t.Fatalf("Search returned %d results, want 2", len(results))
	}
	if results[0].PayloadIndex != 7 || results[1].PayloadIndex != 2 {
		t.Errorf("tie not broken by insertion order: got payloads %d, %d", results[0].PayloadIndex, results[1].PayloadIndex)
	}
}

func TestSearchZeroNormScoresZero(t *testing.T) {
	s := NewStore()
	if err := s.Init(2); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	mustInsert(t, s,
		Chunk{PayloadIndex: 0, Text: "zero", Vector: vec(0, 0)},
		Chunk{PayloadIndex: 1, Text: "unit", Vector: vec(1, 0)},
	)

	results := s.Search(vec(1, 0), 2)
	if len(results) != 2 {
		t.Fatalf("Search returned %d results, want 2", len(results))
	}
	if results[0].PayloadIndex != 1 {
		t.Errorf("non-zero chunk should outrank the zero-norm chunk")
	}
	if results[1].Score != 0 {
		t.Errorf("zero-norm chunk score = %v, want 0", results[1].Score)
	}

	// Zero-norm query: every score is 0, nothing panics.
	for _, r := range s.Search(vec(0, 0), 2) {
		if r.Score != 0 {
			t.Errorf("zero query produced score %v, want 0", r.Score)
		}
	}
}

func TestSearchTruncatesToK(t *testing.T) {
	s := NewStore()
	if err := s.Init(2); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		mustInsert(t, s, Chunk{PayloadIndex: i, Vector: vec(1, float32(i))})
	}

	if got := len(s.Search(vec(1, 0), 3)); got != 3 {
		t.Errorf("Search k=3 returned %d results", got)
	}
	if got := len(s.Search(vec(1, 0), 50)); got != 10 {
		t.Errorf("Search k=50 over 10 chunks returned %d results", got)
	}
	if got := len(s.Search(vec(1, 0), 0)); got != 0 {
		t.Errorf("Search k=0 returned %d results", got)
	}
}

func TestSearchWrongQueryDimension(t *testing.T) {
	s := NewStore()
	if err := s.Init(3); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	mustInsert(t, s, Chunk{PayloadIndex: 0, Vector: vec(1, 0, 0)})
	if got := s.Search(vec(1, 0), 5); got != nil {
		t.Errorf("Search with wrong-dimension query returned %d results, want none", len(got))
	}
}

func TestInsertDeleteAccountingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewStore()
		if err := s.Init(2); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		counts := map[int]int{}

		ops := rapid.SliceOfN(rapid.IntRange(0, 9), 1, 60).Draw(t, "ops")
		for _, op := range ops {
			payload := op % 5
			if op < 7 { // bias toward inserts so deletes have targets
				n, err := s.Insert([]Chunk{{
					PayloadIndex: payload,
					ChunkIndex:   counts[payload],
					Vector:       vec(float32(op), 1),
				}})
				if err != nil || n != 1 {
					t.Fatalf("Insert = (%d, %v)", n, err)
				}
				counts[payload]++
			} else {
				removed := s.DeleteByPayloadIndex(payload)
				if removed != counts[payload] {
					t.Fatalf("DeleteByPayloadIndex(%d) = %d, model says %d", payload, removed, counts[payload])
				}
				delete(counts, payload)
			}
		}

		total := 0
		for payload, n := range counts {
			if got := s.CountByPayloadIndex(payload); got != n {
				t.Fatalf("CountByPayloadIndex(%d) = %d, model says %d", payload, got, n)
			}
			total += n
		}
		if s.Count() != total {
			t.Fatalf("Count = %d, model says %d", s.Count(), total)
		}
	})
}
