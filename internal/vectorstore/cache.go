package vectorstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// The cache artifact is a single self-describing JSON file: declared
// dimensionality, every stored vector with its payload metadata, and a save
// timestamp. Deleting the file is a legal operational reset; the next
// reconciliation rebuilds it from scratch.

// CorruptError reports a cache artifact that exists but cannot be used.
// Callers log a warning and rebuild from scratch.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("vector cache %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// DimensionError reports a vector whose length disagrees with the declared
// dimensionality.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector dimension mismatch: want %d, got %d", e.Want, e.Got)
}

type cacheArtifact struct {
	Dimensions int           `json:"dimensions"`
	Vectors    []cacheVector `json:"vectors"`
	SavedAt    string        `json:"saved_at"`
}

type cacheVector struct {
	PayloadIndex int       `json:"payload_index"`
	ChunkIndex   int       `json:"chunk_index"`
	Text         string    `json:"text"`
	Vector       []float32 `json:"vector"`
}

// readCacheArtifact loads and validates the artifact at path. A missing file
// returns (nil, false, nil); any other failure is a *CorruptError so the
// caller can distinguish "nothing cached" from "cache unusable".
func readCacheArtifact(path string) (*cacheArtifact, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &CorruptError{Path: path, Err: err}
	}
	var art cacheArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, false, &CorruptError{Path: path, Err: err}
	}
	if len(art.Vectors) > 0 && art.Dimensions <= 0 {
		return nil, false, &CorruptError{Path: path, Err: fmt.Errorf("vectors present but dimensions is %d", art.Dimensions)}
	}
	for i := range art.Vectors {
		if len(art.Vectors[i].Vector) != art.Dimensions {
			return nil, false, &CorruptError{
				Path: path,
				Err:  &DimensionError{Want: art.Dimensions, Got: len(art.Vectors[i].Vector)},
			}
		}
	}
	return &art, true, nil
}

// writeCacheArtifact pretty-prints the artifact and writes it atomically so
// readers never observe a torn cache.
func writeCacheArtifact(path string, art *cacheArtifact) error {
	if art.Vectors == nil {
		art.Vectors = []cacheVector{}
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vector cache: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create vector cache directory: %w", err)
	}
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("write vector cache %s: %w", path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
