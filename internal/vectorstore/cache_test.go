package vectorstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadCacheArtifactMissing(t *testing.T) {
	art, found, err := readCacheArtifact(filepath.Join(t.TempDir(), "vector_cache.json"))
	if art != nil || found || err != nil {
		t.Errorf("missing cache = (%v, %v, %v), want (nil, false, nil)", art, found, err)
	}
}

func TestReadCacheArtifactCorrupt(t *testing.T) {
	cases := map[string]string{
		"truncated": `{"dimensions": 3, "vectors": [`,
		"empty":     ``,
		"not json":  `hello`,
		"wrong top": `[1, 2, 3]`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vector_cache.json")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			_, found, err := readCacheArtifact(path)
			var corrupt *CorruptError
			if !errors.As(err, &corrupt) {
				t.Fatalf("expected *CorruptError, got (%v, %v)", found, err)
			}
			if corrupt.Path != path {
				t.Errorf("CorruptError.Path = %q, want %q", corrupt.Path, path)
			}
		})
	}
}

func TestReadCacheArtifactDimensionInconsistency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector_cache.json")
	content := `{
  "dimensions": 3,
  "vectors": [
    {"payload_index": 0, "chunk_index": 0, "text": "ok", "vector": [1, 0, 0]},
    {"payload_index": 1, "chunk_index": 0, "text": "short", "vector": [1, 0]}
  ],
  "saved_at": "2026-01-02T03:04:05Z"
}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	_, _, err := readCacheArtifact(path)
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected *CorruptError, got %v", err)
	}
	var dim *DimensionError
	if !errors.As(err, &dim) {
		t.Fatalf("expected wrapped *DimensionError, got %v", err)
	}
	if dim.Want != 3 || dim.Got != 2 {
		t.Errorf("DimensionError = want %d got %d, expected want 3 got 2", dim.Want, dim.Got)
	}
}

func TestWriteCacheArtifactFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vector_cache.json")
	art := &cacheArtifact{
		Dimensions: 2,
		Vectors: []cacheVector{
			{PayloadIndex: 0, ChunkIndex: 0, Text: "hello", Vector: []float32{0.5, -0.25}},
		},
		SavedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeCacheArtifact(path, art); err != nil {
		t.Fatalf("writeCacheArtifact failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var decoded struct {
		Dimensions int `json:"dimensions"`
		Vectors    []struct {
			PayloadIndex int       `json:"payload_index"`
			ChunkIndex   int       `json:"chunk_index"`
			Text         string    `json:"text"`
			Vector       []float32 `json:"vector"`
		} `json:"vectors"`
		SavedAt string `json:"saved_at"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("artifact is not valid JSON: %v", err)
	}
	if decoded.Dimensions != 2 || len(decoded.Vectors) != 1 {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Vectors[0].Text != "hello" {
		t.Errorf("text = %q, want %q", decoded.Vectors[0].Text, "hello")
	}
	if _, err := time.Parse(time.RFC3339, decoded.SavedAt); err != nil {
		t.Errorf("saved_at %q is not RFC3339: %v", decoded.SavedAt, err)
	}

	// Re-read through the codec: what we write, we can read.
	got, found, err := readCacheArtifact(path)
	if err != nil || !found {
		t.Fatalf("readCacheArtifact = (%v, %v)", found, err)
	}
	if got.Dimensions != art.Dimensions || len(got.Vectors) != len(art.Vectors) {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestWriteCacheArtifactEmptyStore(t *testing.T) {
	// An empty store still writes a readable artifact with an empty vectors
	// array, not null.
	path := filepath.Join(t.TempDir(), "vector_cache.json")
	s := NewStore()
	if err := s.Init(4); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}
	art, found, err := readCacheArtifact(path)
	if err != nil || !found {
		t.Fatalf("readCacheArtifact = (%v, %v)", found, err)
	}
	if art.Vectors == nil {
		t.Error("vectors should decode as an empty slice, not nil")
	}
	if art.Dimensions != 4 {
		t.Errorf("dimensions = %d, want 4", art.Dimensions)
	}
}
