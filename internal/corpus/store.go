// Package corpus manages the authoritative QA record corpus: a single JSON
// array file read by the index subsystem and mutated by the admin CRUD
// surface. Record identity is positional; every mutation rewrites the file
// atomically.
package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Record is a single question/answer entry. Category, audience and keywords
// are auxiliary retrieval hints and may be empty.
type Record struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Category string   `json:"category"`
	Audience string   `json:"audience"`
	Keywords []string `json:"keywords"`
}

// Validate checks the fields a record must carry before it can be stored.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("record question is required")
	}
	if strings.TrimSpace(r.Answer) == "" {
		return fmt.Errorf("record answer is required")
	}
	return nil
}

// Store reads and mutates the corpus file. All mutations serialize on an
// internal mutex and rewrite the whole file via temp-file rename, so readers
// never observe a torn corpus.
type Store struct {
	mu   sync.RWMutex
	path string
}

// NewStore creates a Store for the corpus file at path. The file is not
// touched until the first read or mutation.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the corpus file path.
func (s *Store) Path() string {
	return s.path
}

// EnsureFile creates an empty corpus (JSON `[]`) if no file exists yet.
// Called once at startup so a fresh install starts from an empty corpus
// rather than a missing-file error.
func (s *Store) EnsureFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat corpus file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create corpus directory: %w", err)
	}
	return writeFileAtomic(s.path, []byte("[]\n"), 0644)
}

// Snapshot returns the parsed records together with the raw file bytes they
// were parsed from, in one consistent read. The raw bytes feed the corpus
// digest; the records feed per-record fingerprints.
func (s *Store) Snapshot() ([]Record, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() ([]Record, []byte, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read corpus file %s: %w", s.path, err)
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, nil, fmt.Errorf("parse corpus file %s: %w", s.path, err)
	}
	for i := range records {
		if records[i].Keywords == nil {
			records[i].Keywords = []string{}
		}
	}
	return records, raw, nil
}

// ReadAll loads and parses every record.
func (s *Store) ReadAll() ([]Record, error) {
	records, _, err := s.Snapshot()
	return records, err
}

// Get returns the record at position i.
func (s *Store) Get(i int) (Record, error) {
	records, err := s.ReadAll()
	if err != nil {
		return Record{}, err
	}
	if i < 0 || i >= len(records) {
		return Record{}, fmt.Errorf("record index %d out of range (corpus has %d records)", i, len(records))
	}
	return records[i], nil
}

// Count returns the number of records.
func (s *Store) Count() (int, error) {
	records, err := s.ReadAll()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Add validates and appends a record, returning its new positional index.
func (s *Store) Add(r Record) (int, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records, _, err := s.snapshotLocked()
	if err != nil {
		return 0, err
	}
	records = append(records, normalize(r))
	if err := s.saveLocked(records); err != nil {
		return 0, err
	}
	return len(records) - 1, nil
}

// AddAll validates and appends a batch of records in a single atomic
// rewrite, returning the positional index of the first appended record.
// An empty batch leaves the file untouched.
func (s *Store) AddAll(rs []Record) (int, error) {
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			return 0, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records, _, err := s.snapshotLocked()
	if err != nil {
		return 0, err
	}
	first := len(records)
	if len(rs) == 0 {
		return first, nil
	}
	for _, r := range rs {
		records = append(records, normalize(r))
	}
	if err := s.saveLocked(records); err != nil {
		return 0, err
	}
	return first, nil
}

// Update validates and replaces the record at position i.
func (s *Store) Update(i int, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records, _, err := s.snapshotLocked()
	if err != nil {
		return err
	}
	if i < 0 || i >= len(records) {
		return fmt.Errorf("record index %d out of range (corpus has %d records)", i, len(records))
	}
	records[i] = normalize(r)
	return s.saveLocked(records)
}

// Delete removes the record at position i. Records after i shift down one
// slot; the index subsystem detects the shift through fingerprints.
func (s *Store) Delete(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, _, err := s.snapshotLocked()
	if err != nil {
		return err
	}
	if i < 0 || i >= len(records) {
		return fmt.Errorf("record index %d out of range (corpus has %d records)", i, len(records))
	}
	records = append(records[:i], records[i+1:]...)
	return s.saveLocked(records)
}

func (s *Store) saveLocked(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal corpus: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("write corpus file %s: %w", s.path, err)
	}
	return nil
}

func normalize(r Record) Record {
	if r.Keywords == nil {
		r.Keywords = []string{}
	}
	return r
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it, and renames it over path.
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
