package fingerprint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// The ledger is two small JSON artifacts written by the reconciler after the
// vector cache is durable: a map of positional index to record digest, and
// the whole-corpus digest. Deleting either file forces full re-embedding on
// the next run.

// IndexKey renders a positional index as a ledger key.
func indexKey(i int) string {
	return strconv.Itoa(i)
}

// ParseIndexKey converts a ledger key back to a positional index.
func ParseIndexKey(key string) (int, error) {
	i, err := strconv.Atoi(key)
	if err != nil {
		return 0, fmt.Errorf("ledger key %q is not a positional index: %w", key, err)
	}
	return i, nil
}

// LoadDigests reads the per-record digest map. A missing file returns
// (nil, false, nil): no previous reconciliation, not an error.
func LoadDigests(path string) (map[string]string, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read ledger %s: %w", path, err)
	}
	var digests map[string]string
	if err := json.Unmarshal(raw, &digests); err != nil {
		return nil, false, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	return digests, true, nil
}

// SaveDigests writes the per-record digest map atomically.
func SaveDigests(path string, digests map[string]string) error {
	data, err := json.MarshalIndent(digests, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("write ledger %s: %w", path, err)
	}
	return nil
}

type corpusDigestFile struct {
	Hash string `json:"hash"`
}

// LoadCorpusDigest reads the whole-corpus digest. A missing file returns
// ("", false, nil).
func LoadCorpusDigest(path string) (string, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read corpus digest %s: %w", path, err)
	}
	var f corpusDigestFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", false, fmt.Errorf("parse corpus digest %s: %w", path, err)
	}
	return f.Hash, true, nil
}

// SaveCorpusDigest writes the whole-corpus digest atomically.
func SaveCorpusDigest(path, digest string) error {
	data, err := json.MarshalIndent(corpusDigestFile{Hash: digest}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal corpus digest: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("write corpus digest %s: %w", path, err)
	}
	return nil
}

// RemoveCorpusDigest deletes the corpus digest artifact. Called after a
// partially-failed reconciliation so the next run cannot short-circuit past
// the records that still need embedding. Removing a file that is already
// gone is fine.
func RemoveCorpusDigest(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove corpus digest %s: %w", path, err)
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
